package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchEntryWildcardPortMatchesEitherDirection(t *testing.T) {
	m := MatchEntry{SrcIP: "*", DstIP: "*", DstPort: "443", Protocol: "6"}

	outbound := FlowKey{SrcIP: "10.0.0.5", DstIP: "93.184.216.34", SrcPort: 51000, DstPort: 443, Protocol: 6}
	assert.True(t, m.Matches(outbound))
	assert.True(t, m.Matches(outbound.Reverse()))

	udp := outbound
	udp.Protocol = 17
	assert.False(t, m.Matches(udp))

	other := outbound
	other.DstPort = 80
	assert.False(t, m.Matches(other))
}

func TestMatchEntryAddressesAreInterchangeable(t *testing.T) {
	m := MatchEntry{SrcIP: "10.0.0.5", DstIP: "8.8.8.8", DstPort: "*", Protocol: "*"}

	assert.True(t, m.Matches(FlowKey{SrcIP: "10.0.0.5", DstIP: "8.8.8.8", SrcPort: 5353, DstPort: 53, Protocol: 17}))
	assert.True(t, m.Matches(FlowKey{SrcIP: "8.8.8.8", DstIP: "10.0.0.5", SrcPort: 53, DstPort: 5353, Protocol: 17}))
	assert.False(t, m.Matches(FlowKey{SrcIP: "10.0.0.6", DstIP: "8.8.8.8", SrcPort: 5353, DstPort: 53, Protocol: 17}))
}

func TestMatchEntryCIDR(t *testing.T) {
	m := MatchEntry{SrcIP: "192.168.1.0/24", DstIP: "*", DstPort: "*", Protocol: "*"}
	assert.True(t, m.Matches(FlowKey{SrcIP: "1.1.1.1", DstIP: "192.168.1.20", SrcPort: 53, DstPort: 40000, Protocol: 17}))
	assert.False(t, m.Matches(FlowKey{SrcIP: "1.1.1.1", DstIP: "192.168.2.20", SrcPort: 53, DstPort: 40000, Protocol: 17}))
}

func TestParseMatchEntry(t *testing.T) {
	m, ok := ParseMatchEntry("7", "*, 10.0.0.9 ,22,6,ssh-admin")
	require.True(t, ok)
	assert.Equal(t, MatchEntry{ID: "7", SrcIP: "*", DstIP: "10.0.0.9", DstPort: "22", Protocol: "6", Tag: "ssh-admin"}, m)
	assert.Equal(t, "*,10.0.0.9,22,6,ssh-admin", m.Encode())

	_, ok = ParseMatchEntry("8", "*,*,22")
	assert.False(t, ok)
}

func TestFlowKeyRoundTrip(t *testing.T) {
	k := FlowKey{SrcIP: "10.0.0.5", DstIP: "93.184.216.34", SrcPort: 51000, DstPort: 443, Protocol: 6}
	got, err := ParseFlowKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, got)

	_, err = ParseFlowKey("10.0.0.5|1.1.1.1|80")
	assert.Error(t, err)
}

func TestTags(t *testing.T) {
	r := FlowRecord{Tags: "IgnoreList;IgnoreList_3;"}
	r.AddTag("Broadcast")
	assert.Equal(t, "IgnoreList;IgnoreList_3;Broadcast;", r.Tags)
	assert.True(t, r.HasTag("Broadcast;"))
	assert.True(t, r.HasTag("IgnoreList_3"))
	assert.False(t, r.HasTag("IgnoreList_"))
	assert.Equal(t, []string{"IgnoreList", "IgnoreList_3", "Broadcast"}, SplitTags(r.Tags))
}
