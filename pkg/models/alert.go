package models

import "time"

// Alert is a persisted, deduplicated detection.
type Alert struct {
	ID           string    `json:"id"`
	IPAddress    string    `json:"ip_address"`
	Flow         string    `json:"flow"`
	Category     string    `json:"category"`
	Enrichment1  string    `json:"enrichment_1"`
	Enrichment2  string    `json:"enrichment_2"`
	TimesSeen    int64     `json:"times_seen"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Acknowledged bool      `json:"acknowledged"`
}

// Finding is an alert candidate produced by a detector. It carries every
// argument of the alert handling contract plus side effects the engine
// applies after the alert is recorded.
type Finding struct {
	Detector    string     `json:"detector"`
	Message     string     `json:"message"`
	ActorIP     string     `json:"actor_ip"`
	Flow        FlowRecord `json:"flow"`
	Category    string     `json:"category"`
	Enrichment1 string     `json:"enrichment_1,omitempty"`
	Enrichment2 string     `json:"enrichment_2,omitempty"`
	AlertID     string     `json:"alert_id"`

	// RegisterHost adds the address to the known-hosts set.
	RegisterHost string `json:"-"`
	// LedgerTag is appended to the ledger row identified by LedgerKey.
	LedgerTag string  `json:"-"`
	LedgerKey FlowKey `json:"-"`
}
