// Package netdb implements the Network Measurement Database: per-network
// RTT/hop aggregation, host-to-network binding, LRU eviction, text
// persistence and the inter-cache binary exchange protocol. It is
// grounded on _examples/original_source/src/icmp/net_db.cc.
package netdb

import (
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"squidcore/internal/config"
)

// Resolver resolves a hostname to its candidate addresses. The real
// asynchronous DNS mechanism is out of scope (spec.md §1); this is the
// named-interface seam the core calls into.
type Resolver interface {
	LookupHost(hostname string) ([]net.IP, error)
}

// Pinger triggers an ICMP DomainPing toward an address. The ICMP
// measurement daemon itself is out of scope (spec.md §1) — NetDB only
// ever receives ping results via HandlePingReply.
type Pinger interface {
	SendPing(addr net.IP)
}

// Deps bundles NetDB's collaborators, injected rather than reached via
// globals (spec.md §9 "Global mutable state").
type Deps struct {
	Config   *config.NetdbConfig
	Logger   *zap.Logger
	Clock    clock.Clock
	Intern   func(string) string
	Resolver Resolver
	Pinger   Pinger
}

// DB is the NetDB: two hash maps (network->Entry, hostname->hostRecord)
// guarded by a single mutex, matching the "process-wide, single-threaded
// mutable" resource model of spec.md §5.
type DB struct {
	mu sync.Mutex

	networks map[string]*Entry
	hosts    map[string]*hostRecord

	cfg      *config.NetdbConfig
	log      *zap.Logger
	clock    clock.Clock
	intern   func(string) string
	resolver Resolver
	pinger   Pinger
}

func New(d Deps) *DB {
	if d.Intern == nil {
		d.Intern = func(s string) string { return s }
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &DB{
		networks: make(map[string]*Entry, d.Config.High),
		hosts:    make(map[string]*hostRecord, d.Config.High),
		cfg:      d.Config,
		log:      d.Logger,
		clock:    d.Clock,
		intern:   d.Intern,
		resolver: d.Resolver,
		pinger:   d.Pinger,
	}
}

// SetResolver/SetPinger allow cmd/squidcored to wire in the real
// collaborators after construction, and let tests swap in fakes.
func (db *DB) SetResolver(r Resolver) { db.mu.Lock(); defer db.mu.Unlock(); db.resolver = r }
func (db *DB) SetPinger(p Pinger)     { db.mu.Lock(); defer db.mu.Unlock(); db.pinger = p }

// networkFromIP masks an address to its /24 (IPv4) or /64 (IPv6)
// network and returns its canonical string form, matching
// networkFromInaddr in net_db.cc.
func networkFromIP(ip net.IP) (string, error) {
	if v4 := ip.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return masked.String(), nil
	}
	if v6 := ip.To16(); v6 != nil {
		masked := v6.Mask(net.CIDRMask(64, 128))
		return masked.String(), nil
	}
	return "", fmt.Errorf("netdb: not an IP address: %v", ip)
}

// entryFor returns (creating if necessary) the network entry for ip.
func (db *DB) entryFor(network string) *Entry {
	e, ok := db.networks[network]
	if !ok {
		e = &Entry{Network: network, hosts: make(map[string]struct{})}
		db.networks[network] = e
	}
	return e
}

// bindHost relinks hostname to entry, detaching it from any previous
// network exactly as netdbSendPing's relink branch does: remove from the
// old entry's host list, insert in the new one, leave link counts
// consistent (spec.md §4.1 invariant ii).
func (db *DB) bindHost(hostname string, entry *Entry) {
	if rec, ok := db.hosts[hostname]; ok {
		if rec.network == entry {
			return
		}
		delete(rec.network.hosts, hostname)
		db.releaseIfOrphaned(rec.network)
		rec.network = entry
	} else {
		db.hosts[hostname] = &hostRecord{hostname: hostname, network: entry}
	}
	entry.hosts[hostname] = struct{}{}
}

// releaseIfOrphaned drops a network entry once its last bound hostname
// is gone, matching netdbRelease's link_count==0 deletion condition.
func (db *DB) releaseIfOrphaned(e *Entry) {
	if len(e.hosts) == 0 {
		delete(db.networks, e.Network)
	}
}

// PingSite resolves hostname and, if its network is due, triggers a
// ping toward the resolved address. See spec.md §4.1 ping_site.
func (db *DB) PingSite(hostname string) error {
	if db.resolver == nil {
		return fmt.Errorf("netdb: no resolver configured")
	}
	ips, err := db.resolver.LookupHost(hostname)
	if err != nil || len(ips) == 0 {
		// Fails silently with no state change on resolution failure.
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	network, err := networkFromIP(ips[0])
	if err != nil {
		return nil
	}
	entry := db.entryFor(network)
	db.bindHost(hostname, entry)

	now := db.clock.Now()
	if !entry.NextPingTime.After(now) {
		if db.pinger != nil {
			db.pinger.SendPing(ips[0])
		}
		entry.PingsSent++
		entry.NextPingTime = now.Add(db.cfg.Period)
	}
	entry.LastUseTime = now
	db.checkPurge()
	return nil
}

// HandlePingReply folds one ICMP measurement into the network entry for
// sourceIP's network, applying the exponential smoothing window from
// spec.md §3/§4.1 (netdbHandlePingReply).
func (db *DB) HandlePingReply(sourceIP net.IP, hops, rttMs float64) {
	network, err := networkFromIP(sourceIP)
	if err != nil {
		return
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	entry, ok := db.networks[network]
	if !ok {
		return
	}

	entry.PingsRecv++
	n := entry.PingsRecv
	if n > 5 {
		n = 5
	}
	if rttMs < 1 {
		rttMs = 1
	}
	entry.Hops = smooth(entry.Hops, hops, n)
	entry.Rtt = smooth(entry.Rtt, rttMs, n)
}

// HostRTT returns the rounded smoothed RTT for hostname's network, or 0
// if unknown, bumping last-use-time on hit (netdbHostRtt).
func (db *DB) HostRTT(hostname string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.hosts[hostname]
	if !ok {
		return 0
	}
	rec.network.LastUseTime = db.clock.Now()
	return int(math.Floor(rec.network.Rtt + 0.5))
}

// HostHops mirrors HostRTT for the smoothed hop count (netdbHostHops).
func (db *DB) HostHops(hostname string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.hosts[hostname]
	if !ok {
		return 0
	}
	rec.network.LastUseTime = db.clock.Now()
	return int(math.Floor(rec.network.Hops + 0.5))
}

// UpdatePeer records a per-peer measurement against host's network
// entry, creating the entry and peer slot as needed (spec.md §4.1
// update_peer / netdbUpdatePeer).
func (db *DB) UpdatePeer(host, peerName string, rtt, hops float64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.updatePeer(db.networkForHost(host), peerName, rtt, hops)
}

func (db *DB) updatePeer(entry *Entry, peerName string, rtt, hops float64) {
	if entry == nil {
		return
	}
	name := db.intern(peerName)
	now := db.clock.Now()
	if pm := entry.peerByName(name); pm != nil {
		pm.Rtt = rtt
		pm.Hops = hops
		pm.ExpiresAt = now.Add(time.Hour)
	} else {
		entry.peers = append(entry.peers, &PeerMeasurement{
			PeerName: name, Rtt: rtt, Hops: hops, ExpiresAt: now.Add(time.Hour),
		})
	}
	if len(entry.peers) >= 2 {
		entry.sortPeers()
	}
}

// networkForHost finds or creates the network entry for a bare hostname,
// resolving it through the injected Resolver when it isn't already
// bound. Returns nil if resolution is impossible.
func (db *DB) networkForHost(host string) *Entry {
	if rec, ok := db.hosts[host]; ok {
		return rec.network
	}
	if ip := net.ParseIP(host); ip != nil {
		network, err := networkFromIP(ip)
		if err != nil {
			return nil
		}
		return db.entryFor(network)
	}
	if db.resolver == nil {
		return nil
	}
	ips, err := db.resolver.LookupHost(host)
	if err != nil || len(ips) == 0 {
		return nil
	}
	network, err := networkFromIP(ips[0])
	if err != nil {
		return nil
	}
	entry := db.entryFor(network)
	db.bindHost(host, entry)
	return entry
}

// NeighborOkay reports whether a configured peer may be consulted as a
// neighbor (the ACL/"peerHTTPOkay" predicate; out of scope per spec.md
// §1, consumed only through its boolean answer).
type NeighborOkay func(peerName string) bool

// ClosestParent implements spec.md §4.1 closest_parent /
// net_db.cc:netdbClosestParent: walk the host's peer measurements in
// ascending RTT order, stopping as soon as our own RTT to the origin is
// smaller than a candidate peer's, and returning the first PARENT peer
// that passes okay.
func (db *DB) ClosestParent(host string, peers []config.PeerConfig, okay NeighborOkay) (*config.PeerConfig, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	entry := db.networkForHost(host)
	if entry == nil {
		return nil, false
	}
	byName := make(map[string]*config.PeerConfig, len(peers))
	for i := range peers {
		byName[peers[i].Name] = &peers[i]
	}
	for _, pm := range entry.peers {
		if entry.Rtt < pm.Rtt {
			break
		}
		pc, ok := byName[pm.PeerName]
		if !ok || pc.Type != config.PeerParent {
			continue
		}
		if okay != nil && !okay(pc.Name) {
			continue
		}
		return pc, true
	}
	return nil, false
}

// CheckDirect implements the NetDB direct heuristic of spec.md §4.3:
// direct if own-RTT<=minDirectRtt, OR own-hops<=minDirectHops, OR (during
// PING_WAITING) own-RTT<=closestParentMissRtt.
func (db *DB) CheckDirect(host string, minRtt, minHops float64, closestParentMissRtt float64, havePingWaiting bool) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	entry := db.networkForHost(host)
	if entry == nil {
		return false
	}
	if minRtt > 0 && entry.Rtt > 0 && entry.Rtt <= minRtt {
		return true
	}
	if minHops > 0 && entry.Hops > 0 && entry.Hops <= minHops {
		return true
	}
	if havePingWaiting && entry.Rtt > 0 && entry.Rtt <= closestParentMissRtt {
		return true
	}
	return false
}

// checkPurge triggers purge_lru when the entry count exceeds the
// high-water mark, matching netdbAdd's UseCount()>high check. Caller
// must hold db.mu.
func (db *DB) checkPurge() {
	if len(db.networks) > db.cfg.High {
		db.purgeLRULocked()
	}
}

// PurgeLRU is the externally callable form for periodic maintenance
// (spec.md §4.1 purge_lru).
func (db *DB) PurgeLRU() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.purgeLRULocked()
}

func (db *DB) purgeLRULocked() {
	if len(db.networks) <= db.cfg.High {
		return
	}
	ordered := make([]*Entry, 0, len(db.networks))
	for _, e := range db.networks {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].LastUseTime.Before(ordered[j].LastUseTime) })

	for _, e := range ordered {
		if len(db.networks) <= db.cfg.Low {
			break
		}
		for h := range e.hosts {
			delete(db.hosts, h)
		}
		delete(db.networks, e.Network)
	}
}

// Len reports the number of network entries, used by tests.
func (db *DB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.networks)
}

// Snapshot returns a stable, sorted-by-RTT copy of every entry for
// dumping/persistence, so callers never observe a partially mutated map.
func (db *DB) Snapshot() []Entry {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make([]Entry, 0, len(db.networks))
	for _, e := range db.networks {
		cp := *e
		cp.hosts = make(map[string]struct{}, len(e.hosts))
		for h := range e.hosts {
			cp.hosts[h] = struct{}{}
		}
		cp.peers = append([]*PeerMeasurement(nil), e.peers...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rtt < out[j].Rtt })
	return out
}

// Hostnames returns the hostnames bound to a network entry, sorted for
// deterministic persistence output.
func (e *Entry) Hostnames() []string {
	names := make([]string, 0, len(e.hosts))
	for h := range e.hosts {
		names = append(names, h)
	}
	sort.Strings(names)
	return names
}
