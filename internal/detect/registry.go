package detect

// Default returns the full detector battery in evaluation order.
func Default() []Detector {
	return []Detector{
		NewHosts(),
		NewOutbound(),
		RouterFlows(),
		LocalFlows(),
		ForeignFlows(),
		Geolocation(),
		ReputationList(),
		TorFlows(),
		BypassLocalDNS(),
		BypassLocalNTP(),
		IncorrectAuthoritativeDNS(),
		IncorrectNTPStratum(),
		VPNTraffic(),
		HighRiskPort(),
		ManyDestinations(),
		PortScan(),
		DeadConnection(),
		HighBandwidthFlow(),
		CustomTagAlert(),
	}
}
