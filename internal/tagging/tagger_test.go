package tagging

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"flowsentry/internal/settings"
	"flowsentry/pkg/models"
)

type fixedEngine []string

func (f fixedEngine) Apply(*models.FlowRecord) []string { return f }

func flow(src, dst string, sport, dport uint16, proto uint8) models.FlowRecord {
	return models.FlowRecord{FlowKey: models.FlowKey{SrcIP: src, DstIP: dst, SrcPort: sport, DstPort: dport, Protocol: proto}}
}

func TestTagChainAppendsEveryMatch(t *testing.T) {
	s := settings.New(
		map[string]string{settings.LocalNetworks: "10.0.0.0/24", settings.CustomTagEntries: "1"},
		[]models.MatchEntry{{ID: "7", SrcIP: "*", DstIP: "10.0.0.255", DstPort: "*", Protocol: "17"}},
		[]models.MatchEntry{{ID: "1", SrcIP: "10.0.0.0/24", DstIP: "*", DstPort: "137", Protocol: "*", Tag: "NetBIOS"}},
	)
	f := flow("10.0.0.8", "10.0.0.255", 137, 137, 17)

	New(fixedEngine{"Sigma_rule"}).Tag(s, &f)

	assert.Equal(t, "IgnoreList;IgnoreList_7;Broadcast;NetBIOS;Sigma_rule;", f.Tags)
}

func TestIgnoreListTaggedOnceWithEveryEntry(t *testing.T) {
	ignore := []models.MatchEntry{
		{ID: "1", SrcIP: "10.0.0.0/24", DstIP: "*", DstPort: "*", Protocol: "*"},
		{ID: "2", SrcIP: "*", DstIP: "*", DstPort: "53", Protocol: "17"},
		{ID: "3", SrcIP: "*", DstIP: "*", DstPort: "443", Protocol: "*"},
	}
	f := flow("10.0.0.5", "1.1.1.1", 40000, 53, 17)

	New(nil).Tag(settings.New(nil, ignore, nil), &f)

	assert.Equal(t, "IgnoreList;IgnoreList_1;IgnoreList_2;", f.Tags)
}

func TestCustomTagsGatedByFlag(t *testing.T) {
	custom := []models.MatchEntry{{ID: "1", SrcIP: "*", DstIP: "*", DstPort: "443", Protocol: "6", Tag: "Web"}}
	f := flow("10.0.0.5", "93.184.216.34", 51000, 443, 6)

	New(nil).Tag(settings.New(nil, nil, custom), &f)
	assert.Empty(t, f.Tags)

	New(nil).Tag(settings.New(map[string]string{settings.CustomTagEntries: "1"}, nil, custom), &f)
	assert.Equal(t, "Web;", f.Tags)
}

func TestMulticastAndBroadcast(t *testing.T) {
	s := settings.New(map[string]string{settings.LocalNetworks: "192.168.1.0/24,10.0.0.0/8"}, nil, nil)

	assert.True(t, IsBroadcast(s, "192.168.1.255"))
	assert.True(t, IsBroadcast(s, "10.255.255.255"))
	assert.False(t, IsBroadcast(s, "192.168.1.254"))
	assert.True(t, IsMulticast("239.255.255.250"))
	assert.True(t, IsMulticast("224.0.0.251"))
	assert.False(t, IsMulticast("240.0.0.1"))

	f := flow("192.168.1.4", "224.0.0.251", 5353, 5353, 17)
	New(nil).Tag(s, &f)
	assert.Equal(t, models.TagMulticast, f.Tags)
}
