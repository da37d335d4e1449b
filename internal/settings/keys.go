package settings

// Flat configuration keys read by the core.
const (
	LocalNetworks                = "LocalNetworks"
	RouterIPAddresses            = "RouterIpAddresses"
	ApprovedLocalDNSServers      = "ApprovedLocalDnsServersList"
	ApprovedLocalNTPServers      = "ApprovedLocalNtpServersList"
	ApprovedAuthoritativeDNS     = "ApprovedAuthoritativeDnsServersList"
	ApprovedNTPStratumServers    = "ApprovedNtpStratumServersList"
	ApprovedVPNServers           = "ApprovedVpnServersList"
	ApprovedHighRiskDestinations = "ApprovedHighRiskDestinations"
	BannedCountries              = "BannedCountryList"
	HighRiskPorts                = "HighRiskPorts"
	AlertOnCustomTags            = "AlertOnCustomTags"
	CustomTagEntries             = "CustomTagEntries"
	RemoveBroadcastFlows         = "RemoveBroadcastFlows"
	RemoveMulticastFlows         = "RemoveMulticastFlows"
	MaxUniqueDestinations        = "MaxUniqueDestinations"
	MaxPortsPerDestination       = "MaxPortsPerDestination"
	MaxPackets                   = "MaxPackets"
	MaxBytes                     = "MaxBytes"
	DeadConnectionMinPackets     = "DeadConnectionMinPackets"
)

// Documented defaults for numeric and list keys.
const (
	DefaultMaxUniqueDestinations    = 30
	DefaultMaxPortsPerDestination   = 15
	DefaultMaxPackets               = 30000
	DefaultMaxBytes                 = 3000000
	DefaultDeadConnectionMinPackets = 4
)

// DefaultHighRiskPorts is used when HighRiskPorts is unset.
var DefaultHighRiskPorts = []uint16{135, 137, 138, 139, 445, 25, 587, 22, 23, 3389}

// Severity levels of a detector key.
const (
	LevelDisabled     = 0
	LevelLog          = 1
	LevelNotifyNew    = 2
	LevelNotifyAlways = 3
)
