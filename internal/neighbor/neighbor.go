// Package neighbor implements the parallel ICP/HTCP probe fan-out of
// spec.md §4.2, grounded on peerGetSomeNeighbor/peerGetSomeNeighborReplies
// and the reply-accounting functions of
// _examples/original_source/src/peer_select.cc.
package neighbor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"squidcore/internal/config"
)

// Protocol distinguishes the two probe wire formats; parsing either is
// out of scope (spec.md §1) — only the decoded Reply crosses this
// boundary.
type Protocol int

const (
	ProtocolICP Protocol = iota
	ProtocolHTCP
)

// ReplyKind mirrors the ICP opcode / HTCP response classification.
type ReplyKind int

const (
	KindMiss ReplyKind = iota
	KindHit
	KindDecho
)

// Reply is the decoded form of one neighbor's answer, named-interface
// grounded on spec.md §6's ICP message summary.
type Reply struct {
	Peer      config.PeerConfig
	Protocol  Protocol
	Kind      ReplyKind
	HasSrcRTT bool
	SrcRTTMs  float64 // peer-to-origin RTT, present iff HasSrcRTT
	Hops      float64
}

// ReplySink is what a Prober hands decoded replies back to as they
// arrive, implementing spec.md §4.2's reply_handler contract. Session
// satisfies this interface, so Broadcast passes itself as the sink for
// every probe it sends.
type ReplySink interface {
	HandleReply(r Reply, elapsed time.Duration)
}

// Prober sends one probe to one peer and delivers any reply it later
// receives to sink, asynchronously, via sink.HandleReply — Probe itself
// only reports send-time failures (e.g. the peer's ICP port is
// unreachable), not probe outcomes. Decoding the ICP/HTCP wire payload
// into a Reply is this interface's implementation's job; Session never
// touches wire bytes.
type Prober interface {
	Probe(ctx context.Context, peer config.PeerConfig, protocol Protocol, sink ReplySink) error
}

// Result is what the probe layer hands back to the peer selector once
// enough replies have arrived or the timeout fired.
type Result struct {
	Hit               *Reply // first HIT received, nil if none
	ClosestParentMiss *Reply // smallest peer-to-origin RTT among parent misses
	FirstParentMiss   *Reply // smallest weighted proxy-to-parent RTT among parent misses
	NumSent           int
	NumRepliesExpected int
	NumReceived       int
	TimedOut          bool
}

// Session tracks one in-flight broadcast's accounting, grounded on
// ping_data / ps_state's ping bookkeeping fields (spec.md §3).
type Session struct {
	mu sync.Mutex

	clock  clock.Clock
	log    *zap.Logger
	prober Prober

	start      time.Time
	numSent    int
	numExpect  int
	numRecv    int

	hit               *Reply
	closestParentMiss *Reply
	firstParentMiss   *Reply
	firstParentMissW  float64

	onDone chan struct{}
	done   bool
}

// Broadcast sends a probe to every eligible peer in parallel and returns
// a Session the caller waits on (via Wait), mirroring
// peerGetSomeNeighbor's broadcast-then-suspend contract.
func Broadcast(ctx context.Context, clk clock.Clock, log *zap.Logger, prober Prober, peers []config.PeerConfig, protocol Protocol, timeout time.Duration) *Session {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		clock:     clk,
		log:       log,
		prober:    prober,
		start:     clk.Now(),
		numExpect: len(peers),
		onDone:    make(chan struct{}),
	}

	for _, peer := range peers {
		peer := peer
		s.numSent++
		go func() {
			if err := prober.Probe(ctx, peer, protocol, s); err != nil {
				log.Debug("neighbor probe failed", zap.String("peer", peer.Name), zap.Error(err))
			}
		}()
	}

	timer := clk.Timer(timeout)
	go func() {
		select {
		case <-timer.C:
			s.mu.Lock()
			if !s.done {
				s.done = true
				close(s.onDone)
			}
			s.mu.Unlock()
		case <-s.onDone:
			timer.Stop()
		}
	}()

	if len(peers) == 0 {
		s.mu.Lock()
		if !s.done {
			s.done = true
			close(s.onDone)
		}
		s.mu.Unlock()
	}
	return s
}

// HandleReply folds one decoded reply into the session's accounting,
// implementing peerHandleIcpReply/peerHandleHtcpReply's dispatch and
// peerIcpParentMiss/peerHtcpParentMiss's two parent-miss candidates.
// basetimes/weights come from each peer's configuration.
func (s *Session) HandleReply(r Reply, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.numRecv++

	switch r.Kind {
	case KindHit:
		if s.hit == nil {
			s.hit = &r
		}
	case KindMiss, KindDecho:
		if r.Peer.Type == config.PeerParent && r.HasSrcRTT {
			if s.closestParentMiss == nil || r.SrcRTTMs < s.closestParentMiss.SrcRTTMs {
				cp := r
				s.closestParentMiss = &cp
			}
		}
		if r.Peer.Type == config.PeerParent && !r.Peer.ClosestOnly {
			weight := r.Peer.Weight
			if weight <= 0 {
				weight = 1
			}
			weighted := float64(elapsed-r.Peer.Basetime) / float64(weight)
			if s.firstParentMiss == nil || weighted < s.firstParentMissWeight() {
				fp := r
				s.firstParentMiss = &fp
				s.firstParentMissW = weighted
			}
		}
	}

	if s.hit != nil || s.numRecv >= s.numExpect {
		if !s.done {
			s.done = true
			close(s.onDone)
		}
	}
}

// firstParentMissWeight lets HandleReply compare weighted RTTs without
// re-deriving elapsed time for the stored candidate.
func (s *Session) firstParentMissWeight() float64 { return s.firstParentMissW }

// Wait blocks until the session completes (hit, all replies received, or
// timeout) and returns the accumulated Result.
func (s *Session) Wait() Result {
	<-s.onDone
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{
		Hit:                s.hit,
		ClosestParentMiss:  s.closestParentMiss,
		FirstParentMiss:    s.firstParentMiss,
		NumSent:            s.numSent,
		NumRepliesExpected: s.numExpect,
		NumReceived:        s.numRecv,
		TimedOut:           s.numRecv < s.numExpect && s.hit == nil,
	}
}
