package models

import (
	"net/netip"
	"strconv"
	"strings"
)

// Wildcard matches any value in a MatchEntry field.
const Wildcard = "*"

// MatchEntry is a wildcard-capable (src, dst, port, protocol) pattern used
// by the ignore list and by custom tags. IP fields accept an address, a CIDR
// or "*".
type MatchEntry struct {
	ID       string `json:"id" yaml:"id"`
	SrcIP    string `json:"src_ip" yaml:"src_ip"`
	DstIP    string `json:"dst_ip" yaml:"dst_ip"`
	DstPort  string `json:"dst_port" yaml:"dst_port"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Tag      string `json:"tag,omitempty" yaml:"tag,omitempty"`
}

// Matches reports whether the entry matches the flow. Source and destination
// are interchangeable and the port may match either side of the flow.
func (m MatchEntry) Matches(k FlowKey) bool {
	if !matchField(m.Protocol, strconv.Itoa(int(k.Protocol))) {
		return false
	}
	if m.DstPort != "" && m.DstPort != Wildcard {
		port := strings.TrimSpace(m.DstPort)
		if port != strconv.Itoa(int(k.SrcPort)) && port != strconv.Itoa(int(k.DstPort)) {
			return false
		}
	}
	forward := matchIP(m.SrcIP, k.SrcIP) && matchIP(m.DstIP, k.DstIP)
	reverse := matchIP(m.SrcIP, k.DstIP) && matchIP(m.DstIP, k.SrcIP)
	return forward || reverse
}

func matchField(pattern, value string) bool {
	pattern = strings.TrimSpace(pattern)
	return pattern == "" || pattern == Wildcard || pattern == value
}

func matchIP(pattern, ip string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == Wildcard || pattern == ip {
		return true
	}
	if !strings.Contains(pattern, "/") {
		return false
	}
	prefix, err := netip.ParsePrefix(pattern)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return prefix.Contains(addr)
}

// ParseMatchEntry decodes "src,dst,port,proto[,tag]".
func ParseMatchEntry(id, raw string) (MatchEntry, bool) {
	parts := strings.Split(raw, ",")
	if len(parts) < 4 {
		return MatchEntry{}, false
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	m := MatchEntry{ID: id, SrcIP: parts[0], DstIP: parts[1], DstPort: parts[2], Protocol: parts[3]}
	if len(parts) > 4 {
		m.Tag = strings.Join(parts[4:], ",")
	}
	return m, true
}

// Encode renders the entry in the form accepted by ParseMatchEntry.
func (m MatchEntry) Encode() string {
	out := strings.Join([]string{m.SrcIP, m.DstIP, m.DstPort, m.Protocol}, ",")
	if m.Tag != "" {
		out += "," + m.Tag
	}
	return out
}
