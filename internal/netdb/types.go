package netdb

import (
	"sort"
	"time"
)

// Entry is one network's aggregate measurement record, keyed by the
// network's canonical string (an IPv4 /24 or IPv6 /64), grounded on the
// net_db_entry struct of icmp/net_db.cc.
type Entry struct {
	Network string

	Rtt  float64 // smoothed RTT, ms
	Hops float64 // smoothed hop count

	PingsSent int
	PingsRecv int

	NextPingTime time.Time
	LastUseTime  time.Time

	// hosts holds every hostname currently bound to this network,
	// mirroring net_db_entry.hosts (a singly linked net_db_name list in
	// the original; a map suffices here since Go has no need for the
	// intrusive pointer trick).
	hosts map[string]struct{}

	// peers is kept sorted ascending by RTT, mirroring
	// net_db_entry.peers / n_peers_alloc's doubling array — a plain Go
	// slice already amortizes growth, so no manual doubling is needed
	// (the same plain-slice choice DESIGN.md open-question decision 3
	// records for the FwdServer list).
	peers []*PeerMeasurement
}

// PeerMeasurement is one per-peer RTT/hops sample recorded against a
// network entry (net_db_peer in the original).
type PeerMeasurement struct {
	PeerName  string // interned
	Rtt       float64
	Hops      float64
	ExpiresAt time.Time
}

func (e *Entry) sortPeers() {
	sort.Slice(e.peers, func(i, j int) bool { return e.peers[i].Rtt < e.peers[j].Rtt })
}

func (e *Entry) peerByName(name string) *PeerMeasurement {
	for _, p := range e.peers {
		if p.PeerName == name {
			return p
		}
	}
	return nil
}

// hostRecord binds a hostname to the network it last resolved into,
// mirroring net_db_name's reverse pointer into its owning entry.
type hostRecord struct {
	hostname string
	network  *Entry
}

// smooth applies the exponential window from spec.md §3/§4.1:
// new = (old*(N-1) + sample) / N, with N already clamped to 5.
func smooth(old, sample float64, n int) float64 {
	return (old*float64(n-1) + sample) / float64(n)
}
