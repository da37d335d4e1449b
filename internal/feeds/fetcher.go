// Package feeds downloads lookup datasets and rebuilds the interval tables.
package feeds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"flowsentry/internal/iptable"
	"flowsentry/internal/logger"
	"flowsentry/internal/metrics"
)

// Kinds of feed.
const (
	KindGeolocation = "geolocation"
	KindReputation  = "reputation"
	KindASN         = "asn"
	KindTor         = "tor"
)

// Formats of feed content.
const (
	FormatRanges = "ranges"
	FormatCIDR   = "cidr"
	FormatIPs    = "ips"
)

// Feed describes one dataset. Exactly one of URL and Path is used.
type Feed struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Format string `yaml:"format"`
	URL    string `yaml:"url"`
	Path   string `yaml:"path"`
}

type parsed struct {
	entries []iptable.Entry
	ips     []string
}

// Fetcher owns the current table bundle.
type Fetcher struct {
	feeds  []Feed
	client *http.Client

	mu   sync.Mutex
	last map[string]parsed

	current atomic.Pointer[iptable.Tables]
}

// New builds a fetcher. timeout bounds each download.
func New(feeds []Feed, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	f := &Fetcher{
		feeds:  feeds,
		client: &http.Client{Timeout: timeout},
		last:   make(map[string]parsed),
	}
	f.current.Store(&iptable.Tables{})
	return f
}

// Tables returns the latest bundle. It is never nil.
func (f *Fetcher) Tables() *iptable.Tables {
	return f.current.Load()
}

// Refresh fetches every feed and swaps in a new bundle. A feed that fails
// keeps its previous content.
func (f *Fetcher) Refresh(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, feed := range f.feeds {
		start := time.Now()
		p, err := f.load(ctx, feed)
		if err != nil {
			metrics.FeedErrors.WithLabelValues(feed.Name).Inc()
			logger.Warnf("Feed %s refresh failed, keeping previous data: %v", feed.Name, err)
			continue
		}
		f.last[feed.Name] = p
		metrics.FeedEntries.WithLabelValues(feed.Name).Set(float64(len(p.entries) + len(p.ips)))
		logger.Infof("Feed %s refreshed: %d entries in %s", feed.Name, len(p.entries)+len(p.ips), time.Since(start).Round(time.Millisecond))
	}

	var geo, rep, asn []iptable.Entry
	var tor []string
	for _, feed := range f.feeds {
		p := f.last[feed.Name]
		switch feed.Kind {
		case KindGeolocation:
			geo = append(geo, p.entries...)
		case KindReputation:
			rep = append(rep, p.entries...)
		case KindASN:
			asn = append(asn, p.entries...)
		case KindTor:
			tor = append(tor, p.ips...)
			for _, e := range p.entries {
				if e.Start == e.End {
					tor = append(tor, iptable.FromUint32(e.Start))
				}
			}
		}
	}
	f.current.Store(&iptable.Tables{
		Geo:        iptable.New(geo),
		Reputation: iptable.New(rep),
		ASN:        iptable.New(asn),
		Tor:        iptable.NewSet(tor),
	})
}

// Run refreshes immediately and then every interval until ctx is done.
// beat is called after every refresh.
func (f *Fetcher) Run(ctx context.Context, interval time.Duration, beat func()) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	for {
		f.Refresh(ctx)
		if beat != nil {
			beat()
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (f *Fetcher) load(ctx context.Context, feed Feed) (parsed, error) {
	rc, err := f.open(ctx, feed)
	if err != nil {
		return parsed{}, err
	}
	defer rc.Close()

	switch feed.Format {
	case FormatRanges:
		entries, err := ParseRanges(rc)
		return parsed{entries: entries}, err
	case FormatCIDR, "":
		entries, err := ParseCIDRs(rc, feed.Name)
		return parsed{entries: entries}, err
	case FormatIPs:
		ips, err := ParseIPs(rc)
		return parsed{ips: ips}, err
	}
	return parsed{}, fmt.Errorf("unknown feed format %q", feed.Format)
}

func (f *Fetcher) open(ctx context.Context, feed Feed) (io.ReadCloser, error) {
	if feed.Path != "" {
		return os.Open(feed.Path)
	}
	if feed.URL == "" {
		return nil, fmt.Errorf("feed %s has neither url nor path", feed.Name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", feed.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("http %d for %s", resp.StatusCode, feed.URL)
	}
	return resp.Body, nil
}

func lines(r io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		fn(line)
	}
	return scanner.Err()
}

// ParseRanges reads "label,start_ip,end_ip,netmask,category" rows.
func ParseRanges(r io.Reader) ([]iptable.Entry, error) {
	var out []iptable.Entry
	err := lines(r, func(line string) {
		parts := strings.Split(line, ",")
		if len(parts) < 4 {
			return
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		category := ""
		if len(parts) > 4 {
			category = strings.Join(parts[4:], ",")
		}
		e, err := iptable.ParseRange(parts[0], parts[1], parts[2], parts[3], category)
		if err != nil {
			return
		}
		out = append(out, e)
	})
	return out, err
}

// ParseCIDRs reads "cidr[;comment]" rows. Each range is labelled with its
// own prefix and carries category, the feed name.
func ParseCIDRs(r io.Reader, category string) ([]iptable.Entry, error) {
	var out []iptable.Entry
	err := lines(r, func(line string) {
		cidr := strings.TrimSpace(strings.SplitN(line, ";", 2)[0])
		if !strings.Contains(cidr, "/") {
			cidr += "/32"
		}
		e, err := iptable.ParseCIDR(cidr, cidr, category)
		if err != nil {
			return
		}
		out = append(out, e)
	})
	return out, err
}

// ParseIPs reads one address per line.
func ParseIPs(r io.Reader) ([]string, error) {
	var out []string
	err := lines(r, func(line string) {
		ip := strings.Fields(line)[0]
		if _, ok := iptable.ToUint32(ip); ok {
			out = append(out, ip)
		}
	})
	return out, err
}
