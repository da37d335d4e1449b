package detect

import (
	"fmt"

	"flowsentry/internal/alerts"
	"flowsentry/internal/netflow"
	"flowsentry/pkg/models"
)

type newHosts struct{}

// NewHosts reports local endpoints missing from the known-hosts set and
// asks the engine to register them.
func NewHosts() Detector { return newHosts{} }

func (newHosts) Name() string { return "NewHostsDetection" }

func (d newHosts) Evaluate(env *Env) ([]models.Finding, error) {
	var out []models.Finding
	dedup := seen{}
	for _, f := range env.Batch {
		for _, ip := range [2]string{f.SrcIP, f.DstIP} {
			if !env.IsLocal(ip) || env.isSpecial(ip) || ip == "0.0.0.0" {
				continue
			}
			if _, known := env.KnownHosts[ip]; known {
				continue
			}
			if !dedup.first(ip) {
				continue
			}
			fd := finding(d.Name(), "New host detected", ip, f, alerts.ID(ip, d.Name()),
				fmt.Sprintf("New host detected: %s", ip))
			fd.RegisterHost = ip
			out = append(out, fd)
		}
	}
	return out, nil
}

type newOutbound struct{}

// NewOutbound reports a local host talking to a remote service it has
// not been alerted for before. A destination port below the source port
// is taken as a client to server flow.
func NewOutbound() Detector { return newOutbound{} }

func (newOutbound) Name() string { return "NewOutboundDetection" }

func (d newOutbound) Evaluate(env *Env) ([]models.Finding, error) {
	var out []models.Finding
	dedup := seen{}
	for _, f := range env.Batch {
		if !env.IsLocal(f.SrcIP) || env.IsLocal(f.DstIP) || f.DstPort >= f.SrcPort {
			continue
		}
		id := flowID(f, d.Name())
		if _, alerted := env.KnownAlerts[id]; alerted {
			continue
		}
		if !dedup.first(id) {
			continue
		}
		fd := finding(d.Name(), "New outbound connection detected", f.SrcIP, f, id,
			fmt.Sprintf("New outbound connection detected: %s", describe(f)))
		fd.Enrichment1 = f.DstIP
		fd.Enrichment2 = netflow.ServiceName(f.Protocol, f.DstPort)
		out = append(out, fd)
	}
	return out, nil
}
