package peerselect

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"squidcore/internal/config"
	"squidcore/internal/neighbor"
	"squidcore/internal/netdb"
)

// ACLChecker answers the always_direct / never_direct ACLs. ACL
// evaluation itself is out of scope (spec.md §1) — only its Boolean
// answer surface is used, exactly as peerCheckAlwaysDirectDone and
// peerCheckNeverDirectDone consume it.
type ACLChecker interface {
	AlwaysDirect(ctx context.Context, req *Request) ACLAnswer
	NeverDirect(ctx context.Context, req *Request) ACLAnswer
}

// CacheDigestHit is what cache-digest lookup reports for one peer.
type CacheDigestHit struct {
	Peer    config.PeerConfig
	Sibling bool // false => parent hit
}

// CacheDigest predicts hits the way Squid's cache-digest module does,
// out of scope beyond its prediction surface.
type CacheDigest interface {
	PredictHit(req *Request, peers []config.PeerConfig) (CacheDigestHit, bool)
}

// NeighborOkay reports whether a peer is usable as a neighbor right now
// (peerHTTPOkay); out of scope beyond its boolean answer.
type NeighborOkay func(peerName string) bool

// Deps bundles the selector's collaborators, threaded through in place
// of the original's process-wide globals (spec.md §9).
type Deps struct {
	Config       *config.Config
	NetDB        *netdb.DB
	Log          *zap.Logger
	ACL          ACLChecker
	Digest       CacheDigest
	Prober       neighbor.Prober
	NeighborOkay NeighborOkay
	Resolver     Resolver
	Strategies   []Strategy
	PingTimeout  time.Duration
}

// State is one request's selection scratchpad, mirroring ps_state.
type State struct {
	ID uuid.UUID

	deps Deps
	req  *Request
	init Initiator

	direct      DirectDisposition
	alwaysDirect ACLAnswer
	neverDirect  ACLAnswer

	foundPaths int

	closestParentMissRTT float64
	havePingWaiting      bool

	finished bool
}

// New constructs a selection state for one request, assigning a fresh
// correlation id (spec.md §3's InstanceId analogue).
func New(deps Deps, req *Request, init Initiator) *State {
	if deps.Strategies == nil {
		deps.Strategies = DefaultStrategies()
	}
	if deps.PingTimeout == 0 {
		deps.PingTimeout = 2 * time.Second
	}
	return &State{ID: uuid.New(), deps: deps, req: req, init: init}
}

// Run drives the full decision process end to end, synchronously: each
// suspension point of the original (ACL check, neighbor broadcast, DNS
// lookup) is a blocking call here, since the state runs on its own
// goroutine rather than re-entering from callbacks (spec.md §9's
// "encode as enums with a single transition function" guidance,
// realized through Go's native goroutine suspension instead of an
// explicit state enum).
func (s *State) Run(ctx context.Context) {
	if !s.init.Interested() {
		return
	}

	s.determineDirect(ctx)

	if dest, ok := s.pinnedDestination(); ok {
		s.finish(s.resolveAndEmit(ctx, dest))
		return
	}

	immediate, pingResult := s.acquireNeighbor(ctx)

	if !s.init.Interested() {
		return
	}

	dests := immediate
	if immediate == nil {
		dests = s.selectDestinations(pingResult)
	}

	for _, dest := range dests {
		if !s.init.Interested() {
			return
		}
		if s.foundPaths >= s.deps.Config.ForwardMaxTries {
			break
		}
		if err := s.resolveAndEmit(ctx, dest); err != nil {
			s.finish(err)
			return
		}
	}

	s.finish(nil)
}

// determineDirect implements spec.md §4.3 step 1.
func (s *State) determineDirect(ctx context.Context) {
	if s.deps.ACL != nil {
		s.alwaysDirect = s.deps.ACL.AlwaysDirect(ctx, s.req)
		if s.alwaysDirect == ACLAllowed {
			s.direct = DirectYes
			return
		}
		s.neverDirect = s.deps.ACL.NeverDirect(ctx, s.req)
		if s.neverDirect == ACLAllowed {
			s.direct = DirectNo
			return
		}
	}
	if s.req.NoDirect {
		s.direct = DirectNo
		return
	}
	if s.req.LoopDetected {
		s.direct = DirectYes
		return
	}
	if s.deps.NetDB != nil && s.deps.NetDB.CheckDirect(s.req.Host, s.deps.Config.MinDirectRtt, s.deps.Config.MinDirectHops, 0, false) {
		s.direct = DirectYes
		return
	}
	s.direct = DirectMaybe
}

// pinnedDestination implements spec.md §4.3 step 2.
func (s *State) pinnedDestination() (pendingDest, bool) {
	if s.req.Pinned == nil || !s.req.Pinned.Valid || !s.req.Pinned.Allowed {
		return pendingDest{}, false
	}
	peer := s.req.Pinned.Peer
	return pendingDest{peer: &peer, code: CodePinned}, true
}

// acquireNeighbor implements spec.md §4.3 step 3/4: try cache-digest,
// then NetDB.closest_parent — either short-circuits straight to DNS
// resolution, exactly as a pinned connection does — then an ICP/HTCP
// broadcast when applicable. Returns either a ready-to-resolve
// destination list (cache-digest/closest-parent hit) or a neighbor.Result
// for selectDestinations to react to (step 4).
func (s *State) acquireNeighbor(ctx context.Context) ([]pendingDest, *neighbor.Result) {
	if s.deps.Digest != nil {
		if hit, ok := s.deps.Digest.PredictHit(s.req, s.deps.Config.Peers); ok {
			code := CodeCDParentHit
			if hit.Sibling {
				code = CodeCDSiblingHit
			}
			return []pendingDest{{peer: &hit.Peer, code: code}}, nil
		}
	}

	if s.deps.NetDB != nil {
		if pc, ok := s.deps.NetDB.ClosestParent(s.req.Host, s.deps.Config.Peers, s.okayAdapter()); ok {
			return []pendingDest{{peer: pc, code: CodeClosestParent}}, nil
		}
	}

	if !s.pingApplicable() {
		return nil, nil
	}

	session := neighbor.Broadcast(ctx, nil, s.deps.Log, s.deps.Prober, s.deps.Config.Peers, neighbor.ProtocolICP, s.deps.PingTimeout)
	result := session.Wait()

	if result.ClosestParentMiss != nil {
		s.closestParentMissRTT = result.ClosestParentMiss.SrcRTTMs
		s.havePingWaiting = true
	}
	return nil, &result
}

func (s *State) pingApplicable() bool {
	if len(s.deps.Config.Peers) == 0 {
		return false
	}
	if !s.deps.Config.QueryICMP {
		return false
	}
	return s.req.Hierarchical || s.direct != DirectYes
}

func (s *State) okayAdapter() netdb.NeighborOkay {
	if s.deps.NeighborOkay == nil {
		return nil
	}
	return netdb.NeighborOkay(s.deps.NeighborOkay)
}

// pendingDest is an unresolved FwdServer: a chosen peer (or nil for
// direct) plus its selection-reason code, awaiting DNS resolution.
type pendingDest struct {
	peer *config.PeerConfig
	code string
}

// selectDestinations implements spec.md §4.3 steps 4 (ping-reply
// reaction) and 5 (direct/parent dispatch).
func (s *State) selectDestinations(ping *neighbor.Result) []pendingDest {
	if ping != nil {
		if s.deps.NetDB != nil && s.deps.NetDB.CheckDirect(s.req.Host, s.deps.Config.MinDirectRtt, s.deps.Config.MinDirectHops, s.closestParentMissRTT, s.havePingWaiting) {
			return []pendingDest{{code: CodeClosestDirect}}
		}
		if ping.Hit != nil {
			code := CodeParentHit
			if ping.Hit.Peer.Type == config.PeerSibling {
				code = CodeSiblingHit
			}
			peer := ping.Hit.Peer
			return []pendingDest{{peer: &peer, code: code}}
		}
		if ping.ClosestParentMiss != nil {
			peer := ping.ClosestParentMiss.Peer
			return []pendingDest{{peer: &peer, code: CodeClosestParentMiss}}
		}
		if ping.FirstParentMiss != nil {
			peer := ping.FirstParentMiss.Peer
			return []pendingDest{{peer: &peer, code: CodeFirstParentMiss}}
		}
	}

	switch s.direct {
	case DirectYes:
		return []pendingDest{{code: CodeHierDirect}}
	case DirectNo:
		return s.parentDestinations()
	case DirectMaybe:
		var out []pendingDest
		if s.deps.Config.PreferDirect {
			out = append(out, pendingDest{code: CodeHierDirect})
		}
		if s.req.Hierarchical || s.req.NonhierarchicalAllowed {
			out = append(out, s.parentDestinations()...)
		}
		if !s.deps.Config.PreferDirect {
			out = append(out, pendingDest{code: CodeHierDirect})
		}
		return out
	default:
		return nil
	}
}

// parentDestinations implements the No-branch of spec.md §4.3 step 5:
// try the strategy chain, then enumerate every alive parent
// (ANY_OLD_PARENT), then fall back to a default parent.
func (s *State) parentDestinations() []pendingDest {
	var out []pendingDest
	for _, strat := range s.deps.Strategies {
		if pc, ok := strat.SelectParent(s.req, s.deps.Config.Peers); ok {
			out = append(out, pendingDest{peer: pc, code: CodeAnyOldParent})
			break
		}
	}
	for i := range s.deps.Config.Peers {
		if s.deps.Config.Peers[i].Type == config.PeerParent {
			pc := s.deps.Config.Peers[i]
			out = append(out, pendingDest{peer: &pc, code: CodeAnyOldParent})
		}
	}
	for i := range s.deps.Config.Peers {
		if s.deps.Config.Peers[i].Type == config.PeerParent {
			pc := s.deps.Config.Peers[i]
			out = append(out, pendingDest{peer: &pc, code: CodeDefaultParent})
			break
		}
	}
	return out
}

// resolveAndEmit implements spec.md §4.3 step 6: resolve each pending
// destination to an address, applying the CVE-2009-0801 ORIGINAL_DST
// override and the forward_max_tries cap. A non-nil return signals the
// driver (Run) that selection must stop and terminate with that error,
// rather than terminating the state itself — only Run ever calls finish.
func (s *State) resolveAndEmit(ctx context.Context, dest pendingDest) error {
	if dest.code == CodeHierDirect && s.req.Intercepted && !s.req.HostVerified {
		if s.req.ClientOriginalDst == nil {
			return nil
		}
		s.emit(pendingDest{peer: dest.peer, code: CodeOriginalDst}, s.req.ClientOriginalDst)
		return nil
	}

	host := s.req.Host
	if dest.peer != nil {
		host = dest.peer.Host
	}

	if s.deps.Resolver == nil {
		return nil
	}
	ips, err := s.deps.Resolver.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		if dest.code == CodeHierDirect {
			return fmt.Errorf("peerselect: %w", errDNSFail)
		}
		return nil
	}

	port := 80
	if s.req.Port != 0 {
		port = s.req.Port
	}
	if dest.peer != nil && dest.peer.HTTPPort != 0 {
		port = dest.peer.HTTPPort
	}

	for _, ip := range ips {
		if s.foundPaths >= s.deps.Config.ForwardMaxTries {
			return nil
		}
		s.emit(dest, &net.TCPAddr{IP: ip, Port: port})
	}
	return nil
}

var errDNSFail = fmt.Errorf("DNS_FAIL")

func (s *State) emit(dest pendingDest, addr ...net.Addr) {
	var a net.Addr
	if len(addr) > 0 {
		a = addr[0]
	}
	s.foundPaths++
	s.init.NoteDestination(Destination{Peer: dest.peer, Code: dest.code, Addr: a})
}

// finish implements spec.md §4.3 Termination: calls
// NoteDestinationsEnd exactly once, guarding against the pinned and
// looped call sites in Run both reaching a terminal condition.
func (s *State) finish(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.init.NoteDestinationsEnd(err)
}
