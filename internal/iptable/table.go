// Package iptable holds the sorted IP range tables used for geolocation,
// reputation and ASN lookups.
package iptable

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// Entry is one range of a table: the feed tuple
// (network-label, start_ip, end_ip, netmask, category-label).
type Entry struct {
	Label    string
	Start    uint32
	End      uint32
	Netmask  int
	Category string
}

// Contains reports whether ip falls inside the range.
func (e Entry) Contains(ip uint32) bool {
	return ip >= e.Start && ip <= e.End
}

// Table is an immutable lookup structure. Ranges are grouped by netmask and
// each group is sorted by start address, so a lookup is one binary search
// per distinct netmask, most specific first.
type Table struct {
	groups []group
	size   int
}

type group struct {
	netmask int
	entries []Entry
	// maxEnd[i] is the largest End among entries[0..i].
	maxEnd []uint32
}

// New builds a table. Entries whose start is after their end are dropped.
func New(entries []Entry) *Table {
	byMask := make(map[int][]Entry)
	size := 0
	for _, e := range entries {
		if e.Start > e.End {
			continue
		}
		byMask[e.Netmask] = append(byMask[e.Netmask], e)
		size++
	}

	t := &Table{groups: make([]group, 0, len(byMask)), size: size}
	for mask, es := range byMask {
		sort.SliceStable(es, func(i, j int) bool { return es[i].Start < es[j].Start })
		maxEnd := make([]uint32, len(es))
		for i, e := range es {
			maxEnd[i] = e.End
			if i > 0 && maxEnd[i-1] > e.End {
				maxEnd[i] = maxEnd[i-1]
			}
		}
		t.groups = append(t.groups, group{netmask: mask, entries: es, maxEnd: maxEnd})
	}
	sort.Slice(t.groups, func(i, j int) bool { return t.groups[i].netmask > t.groups[j].netmask })
	return t
}

// Len returns the number of ranges in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}

// Lookup returns the range containing ip. When several ranges contain it,
// the one with the highest netmask wins.
func (t *Table) Lookup(ip string) (Entry, bool) {
	if t == nil || t.size == 0 {
		return Entry{}, false
	}
	v, ok := ToUint32(ip)
	if !ok {
		return Entry{}, false
	}
	return t.LookupUint32(v)
}

// LookupUint32 is Lookup for an address already converted with ToUint32.
func (t *Table) LookupUint32(v uint32) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	for _, g := range t.groups {
		es := g.entries
		i := sort.Search(len(es), func(i int) bool { return es[i].Start > v })
		for j := i - 1; j >= 0 && g.maxEnd[j] >= v; j-- {
			if es[j].Contains(v) {
				return es[j], true
			}
		}
	}
	return Entry{}, false
}

// ToUint32 converts a dotted-quad IPv4 address.
func ToUint32(ip string) (uint32, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return 0, false
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), true
}

// FromUint32 renders an address as dotted-quad.
func FromUint32(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b).String()
}

// ParseCIDR builds an entry from an IPv4 prefix.
func ParseCIDR(label, cidr, category string) (Entry, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return Entry{}, fmt.Errorf("parse cidr %q: %w", cidr, err)
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return Entry{}, fmt.Errorf("parse cidr %q: not ipv4", cidr)
	}
	b := prefix.Addr().As4()
	start := binary.BigEndian.Uint32(b[:])
	hostBits := 32 - prefix.Bits()
	end := start
	if hostBits > 0 {
		end = start | uint32((uint64(1)<<hostBits)-1)
	}
	return Entry{Label: label, Start: start, End: end, Netmask: prefix.Bits(), Category: category}, nil
}

// ParseRange builds an entry from textual start/end addresses and a netmask.
// An empty or unparseable netmask is derived from the range width.
func ParseRange(label, start, end, netmask, category string) (Entry, error) {
	s, ok := ToUint32(start)
	if !ok {
		return Entry{}, fmt.Errorf("parse start address %q", start)
	}
	e, ok := ToUint32(end)
	if !ok {
		return Entry{}, fmt.Errorf("parse end address %q", end)
	}
	if s > e {
		return Entry{}, fmt.Errorf("range start %s after end %s", start, end)
	}
	mask, err := strconv.Atoi(strings.TrimSpace(netmask))
	if err != nil || mask < 0 || mask > 32 {
		mask = maskForRange(s, e)
	}
	return Entry{Label: label, Start: s, End: e, Netmask: mask, Category: category}, nil
}

// maskForRange returns the prefix length of the smallest block covering the range.
func maskForRange(start, end uint32) int {
	return bits.LeadingZeros32(start ^ end)
}
