package iptable

// Set is an exact-address membership set (Tor exit nodes and similar feeds).
type Set struct {
	members map[uint32]struct{}
}

// NewSet builds a set from dotted-quad addresses; unparseable lines are skipped.
func NewSet(ips []string) *Set {
	s := &Set{members: make(map[uint32]struct{}, len(ips))}
	for _, ip := range ips {
		if v, ok := ToUint32(ip); ok {
			s.members[v] = struct{}{}
		}
	}
	return s
}

// Contains reports membership.
func (s *Set) Contains(ip string) bool {
	if s == nil || len(s.members) == 0 {
		return false
	}
	v, ok := ToUint32(ip)
	if !ok {
		return false
	}
	_, ok = s.members[v]
	return ok
}

// Len returns the number of addresses.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.members)
}

// Tables is the immutable bundle of lookup structures handed to detectors.
type Tables struct {
	Geo        *Table
	Reputation *Table
	ASN        *Table
	Tor        *Set
}

// Country returns the category of a geolocation entry, or its label when
// the feed carries no category.
func (e Entry) Country() string {
	if e.Category != "" {
		return e.Category
	}
	return e.Label
}

// GeoOf looks ip up in the geolocation table.
func (t *Tables) GeoOf(ip string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	return t.Geo.Lookup(ip)
}

// ReputationOf looks ip up in the reputation table.
func (t *Tables) ReputationOf(ip string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	return t.Reputation.Lookup(ip)
}

// ASNOf looks ip up in the ASN table.
func (t *Tables) ASNOf(ip string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	return t.ASN.Lookup(ip)
}

// IsTor reports whether ip is a known Tor node.
func (t *Tables) IsTor(ip string) bool {
	return t != nil && t.Tor.Contains(ip)
}
