package detect

import (
	"fmt"

	"flowsentry/internal/netflow"
	"flowsentry/internal/settings"
	"flowsentry/pkg/models"
)

const (
	portDNS = 53
	portNTP = 123
)

func isTCPOrUDP(f models.FlowRecord) bool {
	return f.Protocol == netflow.ProtocolTCP || f.Protocol == netflow.ProtocolUDP
}

// bypass reports local clients using a service port against a server
// outside the approved list. Approved servers themselves are left to the
// upstream check.
type bypass struct {
	name     string
	port     uint16
	approved string
	category string
}

func (d bypass) Name() string { return d.name }

func (d bypass) Evaluate(env *Env) ([]models.Finding, error) {
	var out []models.Finding
	dedup := seen{}
	for _, f := range env.Batch {
		if !isTCPOrUDP(f) || f.DstPort != d.port || !env.IsLocal(f.SrcIP) {
			continue
		}
		if env.Settings.InNetworks(d.approved, f.SrcIP) || env.Settings.InNetworks(d.approved, f.DstIP) {
			continue
		}
		id := flowID(f, d.name)
		if !dedup.first(id) {
			continue
		}
		fd := finding(d.name, d.category, f.SrcIP, f, id, fmt.Sprintf("%s: %s", d.category, describe(f)))
		fd.Enrichment1 = f.DstIP
		out = append(out, fd)
	}
	return out, nil
}

// BypassLocalDNS reports DNS queries to unapproved resolvers.
func BypassLocalDNS() Detector {
	return bypass{name: "BypassLocalDnsDetection", port: portDNS, approved: settings.ApprovedLocalDNSServers, category: "Bypass of local DNS detected"}
}

// BypassLocalNTP reports NTP queries to unapproved time servers.
func BypassLocalNTP() Detector {
	return bypass{name: "BypassLocalNtpDetection", port: portNTP, approved: settings.ApprovedLocalNTPServers, category: "Bypass of local NTP detected"}
}

// upstream reports an approved local server querying a remote server that
// is not on its approved upstream list.
type upstream struct {
	name     string
	port     uint16
	servers  string
	approved string
	category string
}

func (d upstream) Name() string { return d.name }

func (d upstream) Evaluate(env *Env) ([]models.Finding, error) {
	var out []models.Finding
	dedup := seen{}
	for _, f := range env.Batch {
		if !isTCPOrUDP(f) || f.DstPort != d.port {
			continue
		}
		if !env.Settings.InNetworks(d.servers, f.SrcIP) || env.IsLocal(f.DstIP) {
			continue
		}
		if env.Settings.InNetworks(d.approved, f.DstIP) {
			continue
		}
		id := flowID(f, d.name)
		if !dedup.first(id) {
			continue
		}
		fd := finding(d.name, d.category, f.SrcIP, f, id, fmt.Sprintf("%s: %s", d.category, describe(f)))
		fd.Enrichment1 = f.DstIP
		out = append(out, fd)
	}
	return out, nil
}

// IncorrectAuthoritativeDNS reports approved resolvers using unapproved upstreams.
func IncorrectAuthoritativeDNS() Detector {
	return upstream{
		name:     "IncorrectAuthoritativeDnsDetection",
		port:     portDNS,
		servers:  settings.ApprovedLocalDNSServers,
		approved: settings.ApprovedAuthoritativeDNS,
		category: "Incorrect authoritative DNS detected",
	}
}

// IncorrectNTPStratum reports approved time servers syncing from unapproved
// stratum servers.
func IncorrectNTPStratum() Detector {
	return upstream{
		name:     "IncorrectNtpStratrumDetection",
		port:     portNTP,
		servers:  settings.ApprovedLocalNTPServers,
		approved: settings.ApprovedNTPStratumServers,
		category: "Incorrect NTP stratum detected",
	}
}

// vpnSignature identifies a VPN transport. Port 0 matches the protocol alone.
type vpnSignature struct {
	Name     string
	Protocol uint8
	Port     uint16
}

const (
	protoGRE = 47
	protoESP = 50
	protoAH  = 51
)

var vpnSignatures = []vpnSignature{
	{"OpenVPN", netflow.ProtocolUDP, 1194},
	{"OpenVPN", netflow.ProtocolTCP, 1194},
	{"IPsec IKE", netflow.ProtocolUDP, 500},
	{"IPsec NAT-T", netflow.ProtocolUDP, 4500},
	{"IPsec ESP", protoESP, 0},
	{"IPsec AH", protoAH, 0},
	{"L2TP", netflow.ProtocolUDP, 1701},
	{"PPTP", netflow.ProtocolTCP, 1723},
	{"PPTP GRE", protoGRE, 0},
	{"WireGuard", netflow.ProtocolUDP, 51820},
	{"Tailscale", netflow.ProtocolUDP, 41641},
	{"SoftEther", netflow.ProtocolTCP, 5555},
}

func matchVPN(f models.FlowRecord) (vpnSignature, bool) {
	for _, sig := range vpnSignatures {
		if sig.Protocol == f.Protocol && (sig.Port == 0 || sig.Port == f.DstPort) {
			return sig, true
		}
	}
	return vpnSignature{}, false
}

type vpnTraffic struct{}

// VPNTraffic reports flows matching a VPN signature towards an unapproved
// endpoint.
func VPNTraffic() Detector { return vpnTraffic{} }

func (vpnTraffic) Name() string { return "VpnTrafficDetection" }

func (d vpnTraffic) Evaluate(env *Env) ([]models.Finding, error) {
	var out []models.Finding
	dedup := seen{}
	for _, f := range env.Batch {
		sig, ok := matchVPN(f)
		if !ok || env.Settings.InNetworks(settings.ApprovedVPNServers, f.DstIP) {
			continue
		}
		id := flowID(f, d.Name())
		if !dedup.first(id) {
			continue
		}
		fd := finding(d.Name(), "VPN traffic detected", f.SrcIP, f, id,
			fmt.Sprintf("%s traffic detected: %s", sig.Name, describe(f)))
		fd.Enrichment1 = sig.Name
		fd.Enrichment2 = f.DstIP
		out = append(out, fd)
	}
	return out, nil
}

// highRiskServices names the default high risk ports.
var highRiskServices = map[uint16]string{
	22:   "SSH",
	23:   "Telnet",
	25:   "SMTP",
	135:  "Microsoft RPC",
	137:  "NetBIOS Name Service",
	138:  "NetBIOS Datagram Service",
	139:  "NetBIOS Session Service",
	445:  "SMB",
	587:  "SMTP Submission",
	3389: "RDP",
}

// PortService names a port from the static table, falling back to the
// IANA name known to gopacket.
func PortService(proto uint8, port uint16) string {
	if name, ok := highRiskServices[port]; ok {
		return name
	}
	if name := netflow.ServiceName(proto, port); name != "" {
		return name
	}
	return "unknown"
}

type highRiskPort struct{}

// HighRiskPort reports flows to a configured risky port on an unapproved
// destination.
func HighRiskPort() Detector { return highRiskPort{} }

func (highRiskPort) Name() string { return "HighRiskPortDetection" }

func (d highRiskPort) Evaluate(env *Env) ([]models.Finding, error) {
	ports := env.Settings.Ports(settings.HighRiskPorts, settings.DefaultHighRiskPorts)
	var out []models.Finding
	dedup := seen{}
	for _, f := range env.Batch {
		if !isTCPOrUDP(f) {
			continue
		}
		if _, risky := ports[f.DstPort]; !risky {
			continue
		}
		if env.Settings.InNetworks(settings.ApprovedHighRiskDestinations, f.DstIP) {
			continue
		}
		id := flowID(f, d.Name())
		if !dedup.first(id) {
			continue
		}
		service := PortService(f.Protocol, f.DstPort)
		fd := finding(d.Name(), "High risk port detected", f.SrcIP, f, id,
			fmt.Sprintf("High risk port %d (%s) detected: %s", f.DstPort, service, describe(f)))
		fd.Enrichment1 = service
		fd.Enrichment2 = f.DstIP
		out = append(out, fd)
	}
	return out, nil
}
