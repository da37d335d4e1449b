// Package tagging annotates decoded flows before they are staged.
package tagging

import (
	"net/netip"

	"flowsentry/internal/rules"
	"flowsentry/internal/settings"
	"flowsentry/pkg/models"
)

// Tagger applies the tag chain. Every step appends its label when it
// matches; no step suppresses a later one.
type Tagger struct {
	rules rules.Engine
}

// New builds a tagger. engine may be nil.
func New(engine rules.Engine) *Tagger {
	if engine == nil {
		engine = &rules.NoopEngine{}
	}
	return &Tagger{rules: engine}
}

// Tag annotates flow using the given configuration snapshot.
func (t *Tagger) Tag(s *settings.Snapshot, flow *models.FlowRecord) {
	if s != nil {
		ignored := false
		for _, e := range s.IgnoreList {
			if !e.Matches(flow.FlowKey) {
				continue
			}
			if !ignored {
				flow.AddTag(models.TagIgnoreList)
				ignored = true
			}
			flow.AddTag(models.TagIgnoreList + "_" + e.ID)
		}
		if IsBroadcast(s, flow.DstIP) {
			flow.AddTag(models.TagBroadcast)
		}
	}
	if IsMulticast(flow.DstIP) {
		flow.AddTag(models.TagMulticast)
	}
	if s != nil && s.Bool(settings.CustomTagEntries) {
		for _, e := range s.CustomTags {
			if e.Tag != "" && e.Matches(flow.FlowKey) {
				flow.AddTag(e.Tag)
			}
		}
	}
	for _, label := range t.rules.Apply(flow) {
		flow.AddTag(label)
	}
}

// TagAll annotates every flow of a datagram.
func (t *Tagger) TagAll(s *settings.Snapshot, flows []models.FlowRecord) {
	for i := range flows {
		t.Tag(s, &flows[i])
	}
}

// IsBroadcast reports whether ip is the broadcast address of a configured
// local IPv4 network.
func IsBroadcast(s *settings.Snapshot, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return false
	}
	for _, p := range s.Networks(settings.LocalNetworks) {
		if !p.Addr().Is4() || p.Bits() >= 31 {
			continue
		}
		if broadcast(p) == addr {
			return true
		}
	}
	return false
}

// IsMulticast reports whether the first octet of ip is in 224..239.
func IsMulticast(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return false
	}
	first := addr.As4()[0]
	return first >= 224 && first <= 239
}

func broadcast(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().As4()
	host := uint32(1)<<(32-p.Bits()) - 1
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v |= host
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
