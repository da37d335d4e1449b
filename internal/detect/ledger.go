package detect

import (
	"fmt"
	"strings"

	"flowsentry/internal/netflow"
	"flowsentry/internal/settings"
	"flowsentry/pkg/models"
)

type deadConnection struct{}

// DeadConnection reports TCP ledger rows with traffic in one direction
// and none in the other. Fired rows are tagged so they never fire again.
func DeadConnection() Detector { return deadConnection{} }

func (deadConnection) Name() string { return "DeadConnectionDetection" }

func (deadConnection) ReadsLedger() {}

func (d deadConnection) Evaluate(env *Env) ([]models.Finding, error) {
	floor := env.Settings.Int(settings.DeadConnectionMinPackets, settings.DefaultDeadConnectionMinPackets)
	index := make(map[models.FlowKey]*models.LedgerEntry, len(env.Ledger))
	for i := range env.Ledger {
		index[env.Ledger[i].FlowKey] = &env.Ledger[i]
	}

	var out []models.Finding
	for _, row := range env.Ledger {
		if row.Protocol != netflow.ProtocolTCP || row.HasTag(models.TagDeadConnection) {
			continue
		}
		if row.HasTag(models.TagMulticast) || row.HasTag(models.TagBroadcast) || env.isSpecial(row.DstIP) {
			continue
		}
		if int64(row.Packets) <= floor {
			continue
		}
		if rev, ok := index[row.FlowKey.Reverse()]; ok && rev.Packets > 0 {
			continue
		}
		fd := finding(d.Name(), "Dead connection detected", row.SrcIP, row, flowID(row, d.Name()),
			fmt.Sprintf("Dead connection detected: %s sent %d packets with no reply", describe(row), row.Packets))
		fd.Enrichment1 = row.DstIP
		fd.LedgerTag = models.TagDeadConnection
		fd.LedgerKey = row.FlowKey
		out = append(out, fd)
	}
	return out, nil
}

type customTagAlert struct{}

// CustomTagAlert reports ledger rows updated this cycle whose tags
// include one listed in AlertOnCustomTags.
func CustomTagAlert() Detector { return customTagAlert{} }

func (customTagAlert) Name() string { return "CustomTagAlertDetection" }

func (customTagAlert) ReadsLedger() {}

func (d customTagAlert) Evaluate(env *Env) ([]models.Finding, error) {
	wanted := env.Settings.List(settings.AlertOnCustomTags)
	if len(wanted) == 0 {
		return nil, nil
	}
	var out []models.Finding
	for _, row := range env.Ledger {
		if !env.Now.IsZero() && row.LastSeen.Before(env.Now) {
			continue
		}
		var hits []string
		for _, tag := range wanted {
			if row.HasTag(tag) {
				hits = append(hits, strings.TrimSuffix(tag, ";"))
			}
		}
		if len(hits) == 0 {
			continue
		}
		matched := strings.Join(hits, ",")
		fd := finding(d.Name(), "Custom tag alert detected", row.SrcIP, row, flowID(row, d.Name()),
			fmt.Sprintf("Custom tag %s seen on %s", matched, describe(row)))
		fd.Enrichment1 = matched
		fd.Enrichment2 = row.Tags
		out = append(out, fd)
	}
	return out, nil
}
