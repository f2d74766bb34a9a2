package peerselect

import (
	"hash/fnv"
	"sync"

	"squidcore/internal/config"
)

// Strategy is the tagged-variant selection-method capability spec.md §9
// calls for in place of CARP/source-hash/user-hash/round-robin/etc. being
// modeled as distinct code paths.
type Strategy interface {
	Name() string
	SelectParent(req *Request, peers []config.PeerConfig) (*config.PeerConfig, bool)
}

func aliveParents(peers []config.PeerConfig) []config.PeerConfig {
	return methodParents(peers, func(config.PeerConfig) bool { return true })
}

// methodParents filters peers to alive parents that additionally opted
// into a given selection method, matching peerGetSomeParent's behavior
// of only trying a method against the peers configured for it.
func methodParents(peers []config.PeerConfig, want func(config.PeerConfig) bool) []config.PeerConfig {
	out := make([]config.PeerConfig, 0, len(peers))
	for _, p := range peers {
		if p.Type == config.PeerParent && want(p) {
			out = append(out, p)
		}
	}
	return out
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// SourceHashStrategy picks a parent by hashing the request's host,
// grounded on peerSourceHashSelectParent. Only peers with the
// "sourcehash" option set are candidates.
type SourceHashStrategy struct{}

func (SourceHashStrategy) Name() string { return "source-hash" }
func (SourceHashStrategy) SelectParent(req *Request, peers []config.PeerConfig) (*config.PeerConfig, bool) {
	parents := methodParents(peers, func(p config.PeerConfig) bool { return p.SourceHash })
	if len(parents) == 0 {
		return nil, false
	}
	idx := hashString(req.Host) % uint32(len(parents))
	return &parents[idx], true
}

// UserHashStrategy is identical in shape to SourceHashStrategy but keys
// on the authenticated user instead of the origin host; spec.md §4.3
// gates it on USE_AUTH, which the caller is responsible for checking
// before trying this strategy (peerUserHashSelectParent). Only peers
// with the "userhash" option set are candidates.
type UserHashStrategy struct{ UserKey func(*Request) string }

func (UserHashStrategy) Name() string { return "user-hash" }
func (s UserHashStrategy) SelectParent(req *Request, peers []config.PeerConfig) (*config.PeerConfig, bool) {
	if s.UserKey == nil {
		return nil, false
	}
	key := s.UserKey(req)
	if key == "" {
		return nil, false
	}
	parents := methodParents(peers, func(p config.PeerConfig) bool { return p.UserHash })
	if len(parents) == 0 {
		return nil, false
	}
	idx := hashString(key) % uint32(len(parents))
	return &parents[idx], true
}

// CARPStrategy implements the Cache Array Routing Protocol's
// weighted-hash selection (peerCarpSelectParent): pick the parent whose
// weighted hash of (host, peer) is largest. Only peers with the "carp"
// option set are candidates.
type CARPStrategy struct{}

func (CARPStrategy) Name() string { return "carp" }
func (CARPStrategy) SelectParent(req *Request, peers []config.PeerConfig) (*config.PeerConfig, bool) {
	parents := methodParents(peers, func(p config.PeerConfig) bool { return p.CARP })
	if len(parents) == 0 {
		return nil, false
	}
	var best *config.PeerConfig
	var bestScore float64
	for i := range parents {
		weight := parents[i].Weight
		if weight <= 0 {
			weight = 1
		}
		score := float64(hashString(req.Host+"|"+parents[i].Name)) * float64(weight)
		if best == nil || score > bestScore {
			best = &parents[i]
			bestScore = score
		}
	}
	return best, best != nil
}

// RoundRobinStrategy cycles through parents in configured order,
// grounded on peerRoundRobinSelectParent. Only peers with the
// "round-robin" option set are candidates.
type RoundRobinStrategy struct {
	mu   sync.Mutex
	next int
}

func (*RoundRobinStrategy) Name() string { return "round-robin" }
func (s *RoundRobinStrategy) SelectParent(req *Request, peers []config.PeerConfig) (*config.PeerConfig, bool) {
	parents := methodParents(peers, func(p config.PeerConfig) bool { return p.RoundRobin })
	if len(parents) == 0 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.next % len(parents)
	s.next++
	return &parents[idx], true
}

// WeightedRoundRobinStrategy is round-robin skewed by configured peer
// weight, grounded on peerWeightedRoundRobinSelectParent. Only peers
// with the "weighted-round-robin" option set are candidates.
type WeightedRoundRobinStrategy struct {
	mu     sync.Mutex
	credit map[string]int
}

func (*WeightedRoundRobinStrategy) Name() string { return "weighted-round-robin" }
func (s *WeightedRoundRobinStrategy) SelectParent(req *Request, peers []config.PeerConfig) (*config.PeerConfig, bool) {
	parents := methodParents(peers, func(p config.PeerConfig) bool { return p.WeightedRoundRobin })
	if len(parents) == 0 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credit == nil {
		s.credit = make(map[string]int)
	}
	var best *config.PeerConfig
	bestCredit := -1
	for i := range parents {
		weight := parents[i].Weight
		if weight <= 0 {
			weight = 1
		}
		c := s.credit[parents[i].Name] + weight
		s.credit[parents[i].Name] = c
		if c > bestCredit {
			bestCredit = c
			best = &parents[i]
		}
	}
	if best != nil {
		s.credit[best.Name] -= len(parents)
	}
	return best, best != nil
}

// FirstUpStrategy returns the first configured parent, unconditionally
// and with no enabling per-peer option — grounded on peerFirstUpParent,
// Squid's simplest fallback strategy, tried last in DefaultStrategies so
// it only fires when none of the opted-in methods produced a candidate.
type FirstUpStrategy struct{}

func (FirstUpStrategy) Name() string { return "first-up" }
func (FirstUpStrategy) SelectParent(req *Request, peers []config.PeerConfig) (*config.PeerConfig, bool) {
	parents := aliveParents(peers)
	if len(parents) == 0 {
		return nil, false
	}
	return &parents[0], true
}

// DefaultStrategies returns the fixed-order chain peerGetSomeParent
// tries: source-hash, user-hash, CARP, round-robin, weighted
// round-robin, first-up. Each method (other than first-up) only
// considers peers that opted into it via the matching PeerConfig flag,
// so the chain falls through to the next method when no peer is
// configured for the current one, rather than collapsing to whichever
// method is listed first. default-parent is handled separately by the
// caller (spec.md §4.3 step 5), since it is a fallback over the full
// peer list rather than a competing strategy.
func DefaultStrategies() []Strategy {
	return []Strategy{
		SourceHashStrategy{},
		UserHashStrategy{},
		CARPStrategy{},
		&RoundRobinStrategy{},
		&WeightedRoundRobinStrategy{},
		FirstUpStrategy{},
	}
}
