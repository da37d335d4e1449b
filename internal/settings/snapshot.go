// Package settings exposes the flat key/value configuration read by every
// processing cycle.
package settings

import (
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"flowsentry/internal/logger"
	"flowsentry/pkg/models"
)

// Snapshot is one consistent read of the configuration. It is safe for
// concurrent use; parsed list values are memoised.
type Snapshot struct {
	Values     map[string]string
	IgnoreList []models.MatchEntry
	CustomTags []models.MatchEntry

	mu       sync.Mutex
	networks map[string][]netip.Prefix
	warned   map[string]struct{}
}

// New builds a snapshot from raw values.
func New(values map[string]string, ignore, custom []models.MatchEntry) *Snapshot {
	if values == nil {
		values = map[string]string{}
	}
	return &Snapshot{Values: values, IgnoreList: ignore, CustomTags: custom}
}

// Get returns the raw value and whether it was set.
func (s *Snapshot) Get(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.Values[key]
	return strings.TrimSpace(v), ok
}

// Level returns the severity of a detector key, 0 when unset or invalid.
func (s *Snapshot) Level(key string) int {
	raw, ok := s.Get(key)
	if !ok || raw == "" {
		return LevelDisabled
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < LevelDisabled || v > LevelNotifyAlways {
		s.warnOnce(key, "invalid severity %q for %s, detector disabled", raw, key)
		return LevelDisabled
	}
	return v
}

// Int returns a numeric key or def when unset or invalid.
func (s *Snapshot) Int(key string, def int64) int64 {
	raw, ok := s.Get(key)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.warnOnce(key, "invalid number %q for %s, using default %d", raw, key, def)
		return def
	}
	return v
}

// Bool returns true for any non-zero numeric value or "true".
func (s *Snapshot) Bool(key string) bool {
	raw, _ := s.Get(key)
	switch strings.ToLower(raw) {
	case "true", "yes", "on":
		return true
	}
	return s.Int(key, 0) != 0
}

// List returns the comma separated members of a key.
func (s *Snapshot) List(key string) []string {
	raw, _ := s.Get(key)
	return splitCSV(raw)
}

// Contains reports whether value is a member of a list key.
func (s *Snapshot) Contains(key, value string) bool {
	for _, v := range s.List(key) {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// Networks parses a list key of CIDRs or single addresses.
func (s *Snapshot) Networks(key string) []netip.Prefix {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if nets, ok := s.networks[key]; ok {
		s.mu.Unlock()
		return nets
	}
	s.mu.Unlock()

	var nets []netip.Prefix
	for _, item := range s.List(key) {
		p, err := parsePrefix(item)
		if err != nil {
			s.warnOnce(key+"/"+item, "ignoring invalid network %q in %s", item, key)
			continue
		}
		nets = append(nets, p)
	}

	s.mu.Lock()
	if s.networks == nil {
		s.networks = make(map[string][]netip.Prefix)
	}
	s.networks[key] = nets
	s.mu.Unlock()
	return nets
}

// InNetworks reports whether ip is inside any network of a list key.
func (s *Snapshot) InNetworks(key, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range s.Networks(key) {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Ports parses a list of ports and ranges ("22,137-139"). def is returned
// when the key is unset.
func (s *Snapshot) Ports(key string, def []uint16) map[uint16]struct{} {
	items := s.List(key)
	out := make(map[uint16]struct{})
	if len(items) == 0 {
		for _, p := range def {
			out[p] = struct{}{}
		}
		return out
	}
	for _, item := range items {
		lo, hi, ok := parsePortRange(item)
		if !ok {
			s.warnOnce(key+"/"+item, "ignoring invalid port %q in %s", item, key)
			continue
		}
		for p := lo; ; p++ {
			out[uint16(p)] = struct{}{}
			if p == hi {
				break
			}
		}
	}
	return out
}

func (s *Snapshot) warnOnce(key, format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.warned == nil {
		s.warned = make(map[string]struct{})
	}
	_, seen := s.warned[key]
	s.warned[key] = struct{}{}
	s.mu.Unlock()
	if !seen {
		logger.Warnf(format, args...)
	}
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parsePrefix(item string) (netip.Prefix, error) {
	if strings.Contains(item, "/") {
		p, err := netip.ParsePrefix(item)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(item)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parsePortRange(item string) (uint32, uint32, bool) {
	lo, hi := item, item
	if i := strings.IndexByte(item, '-'); i > 0 {
		lo, hi = strings.TrimSpace(item[:i]), strings.TrimSpace(item[i+1:])
	}
	l, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return 0, 0, false
	}
	h, err := strconv.ParseUint(hi, 10, 16)
	if err != nil || h < l {
		return 0, 0, false
	}
	return uint32(l), uint32(h), true
}
