package detect

import (
	"fmt"

	"flowsentry/internal/alerts"
	"flowsentry/internal/settings"
	"flowsentry/pkg/models"
)

// endpoints returns the (local, remote) pair of a flow when exactly one
// side is remote, or both sides when neither is local.
func endpoints(env *Env, f models.FlowRecord) []string {
	srcLocal, dstLocal := env.IsLocal(f.SrcIP), env.IsLocal(f.DstIP)
	switch {
	case srcLocal && dstLocal:
		return nil
	case srcLocal:
		return []string{f.DstIP}
	case dstLocal:
		return []string{f.SrcIP}
	}
	return []string{f.SrcIP, f.DstIP}
}

func peerOf(f models.FlowRecord, ip string) string {
	if ip == f.SrcIP {
		return f.DstIP
	}
	return f.SrcIP
}

func side(env *Env, ip string) string {
	if env.IsLocal(ip) {
		return "local"
	}
	return "remote"
}

type geolocation struct{}

// Geolocation reports flows whose remote endpoint geolocates to a banned
// country.
func Geolocation() Detector { return geolocation{} }

func (geolocation) Name() string { return "GeolocationFlowsDetection" }

func (d geolocation) Evaluate(env *Env) ([]models.Finding, error) {
	if env.Tables == nil || env.Tables.Geo.Len() == 0 {
		return nil, nil
	}
	var out []models.Finding
	dedup := seen{}
	for _, f := range env.Batch {
		for _, remote := range endpoints(env, f) {
			e, ok := env.Tables.GeoOf(remote)
			if !ok || !env.Settings.Contains(settings.BannedCountries, e.Country()) {
				continue
			}
			actor := peerOf(f, remote)
			id := alerts.ID(actor, remote, d.Name())
			if !dedup.first(id) {
				continue
			}
			fd := finding(d.Name(), "Geolocation flow detected", actor, f, id,
				fmt.Sprintf("Flow between %s host %s and %s in %s: %s", side(env, actor), actor, remote, e.Country(), describe(f)))
			fd.Enrichment1 = e.Country()
			fd.Enrichment2 = e.Label
			out = append(out, fd)
		}
	}
	return out, nil
}

type reputation struct{}

// ReputationList reports flows whose remote endpoint is on a reputation list.
func ReputationList() Detector { return reputation{} }

func (reputation) Name() string { return "ReputationListDetection" }

func (d reputation) Evaluate(env *Env) ([]models.Finding, error) {
	if env.Tables == nil || env.Tables.Reputation.Len() == 0 {
		return nil, nil
	}
	var out []models.Finding
	dedup := seen{}
	for _, f := range env.Batch {
		for _, remote := range endpoints(env, f) {
			e, ok := env.Tables.ReputationOf(remote)
			if !ok {
				continue
			}
			actor := peerOf(f, remote)
			id := alerts.ID(actor, remote, d.Name())
			if !dedup.first(id) {
				continue
			}
			fd := finding(d.Name(), "Reputation list match detected", actor, f, id,
				fmt.Sprintf("%s host %s talked to %s listed on %s: %s", side(env, actor), actor, remote, e.Category, describe(f)))
			fd.Enrichment1 = e.Category
			fd.Enrichment2 = e.Label
			out = append(out, fd)
		}
	}
	return out, nil
}

type torFlows struct{}

// TorFlows reports flows to or from a known Tor node.
func TorFlows() Detector { return torFlows{} }

func (torFlows) Name() string { return "TorFlowDetection" }

func (d torFlows) Evaluate(env *Env) ([]models.Finding, error) {
	if env.Tables == nil || env.Tables.Tor.Len() == 0 {
		return nil, nil
	}
	var out []models.Finding
	dedup := seen{}
	for _, f := range env.Batch {
		for _, node := range [2]string{f.SrcIP, f.DstIP} {
			if !env.Tables.IsTor(node) {
				continue
			}
			actor := peerOf(f, node)
			id := alerts.ID(actor, node, d.Name())
			if !dedup.first(id) {
				continue
			}
			fd := finding(d.Name(), "Tor flow detected", actor, f, id,
				fmt.Sprintf("Tor node %s seen in flow %s", node, describe(f)))
			fd.Enrichment1 = node
			out = append(out, fd)
		}
	}
	return out, nil
}
