// Package config holds the operator-facing configuration surface the
// core consumes. Names follow the original Squid directive names listed
// in the specification's external-interfaces section so operators can map
// one to the other; only the Go field casing changes.
package config

import "time"

// NetdbConfig mirrors Netdb.high / Netdb.low / Netdb.period / netdbFilename.
type NetdbConfig struct {
	High               int           // entry count that triggers purge_lru
	Low                int           // target entry count after purge_lru
	Period             time.Duration // minimum interval between pings to the same network
	Filename           string        // "none" disables persistence
	SaveInterval        time.Duration // how often save_state fires on the periodic timer
	MaxExchangeRecords int           // record-count ceiling for an inbound exchange (open question, see DESIGN.md)
}

// PeerConfig mirrors one entry of the `peers` directive.
type PeerConfig struct {
	Name              string
	Host              string
	HTTPPort          int
	IcpPort           int // 0 disables ICP probing of this peer
	Type              PeerType
	Weight            int
	Basetime          time.Duration
	ClosestOnly       bool
	NoTproxy          bool
	Login             string
	EncryptTransport  bool

	// Selection-method options, mirroring the peer line's per-peer
	// method flags (peerGetSomeParent only tries a method against
	// peers that opted into it). WeightedRoundRobin and RoundRobin are
	// mutually exclusive in Squid proper; callers are responsible for
	// not setting both.
	SourceHash         bool
	UserHash           bool
	CARP               bool
	RoundRobin         bool
	WeightedRoundRobin bool
}

// PeerType mirrors neighborType: PARENT serves misses, SIBLING only hits.
type PeerType int

const (
	PeerUnknown PeerType = iota
	PeerParent
	PeerSibling
)

// Config is the full set of directives the core consults.
type Config struct {
	Netdb NetdbConfig

	MinDirectRtt  float64 // ms
	MinDirectHops float64

	ForwardMaxTries int

	PreferDirect           bool // onoff.prefer_direct
	NonhierarchicalDirect  bool // onoff.nonhierarchical_direct
	QueryICMP              bool // onoff.query_icmp
	ClientDstPassthru      bool // onoff.client_dst_passthru

	Peers []PeerConfig

	// AdaptationMaxBodyBytes bounds the virgin reply body size accepted
	// before the gateway synthesizes TOO_BIG.
	AdaptationMaxBodyBytes int64
}

// Default returns sane defaults matching the values Squid itself ships,
// analogous to the teacher's hard-coded bigcache.Config literal.
func Default() Config {
	return Config{
		Netdb: NetdbConfig{
			High:               1000,
			Low:                900,
			Period:             5 * time.Minute,
			Filename:           "none",
			SaveInterval:        time.Hour,
			MaxExchangeRecords: 65536,
		},
		MinDirectRtt:          0,
		MinDirectHops:         0,
		ForwardMaxTries:       10,
		PreferDirect:          true,
		NonhierarchicalDirect: true,
		QueryICMP:             false,
		AdaptationMaxBodyBytes: 1 << 30,
	}
}
