// Package peerselect implements the single-pass peer-selection decision
// engine of spec.md §4.3, grounded almost line-for-line on
// _examples/original_source/src/peer_select.cc.
package peerselect

import (
	"net"

	"squidcore/internal/config"
)

// DirectDisposition mirrors ps_state::direct.
type DirectDisposition int

const (
	DirectUnknown DirectDisposition = iota
	DirectNo
	DirectMaybe
	DirectYes
)

// ACLAnswer mirrors the allow_t enum as consumed here (spec.md §3).
type ACLAnswer int

const (
	ACLDunno ACLAnswer = iota
	ACLAllowed
	ACLDenied
	ACLAuthRequired
)

// Destination mirrors FwdServer once resolved to a concrete address
// (spec.md §3 "Destination descriptor").
type Destination struct {
	Peer   *config.PeerConfig // nil for a direct destination
	Code   string
	Addr   net.Addr
}

// Selection-reason codes, spec.md §4.3.
const (
	CodePinned            = "PINNED"
	CodeCDParentHit       = "CD_PARENT_HIT"
	CodeCDSiblingHit      = "CD_SIBLING_HIT"
	CodeClosestParent     = "CLOSEST_PARENT"
	CodeClosestDirect     = "CLOSEST_DIRECT"
	CodeParentHit         = "PARENT_HIT"
	CodeSiblingHit        = "SIBLING_HIT"
	CodeClosestParentMiss = "CLOSEST_PARENT_MISS"
	CodeFirstParentMiss   = "FIRST_PARENT_MISS"
	CodeHierDirect        = "HIER_DIRECT"
	CodeAnyOldParent      = "ANY_OLD_PARENT"
	CodeDefaultParent     = "DEFAULT_PARENT"
	CodeOriginalDst       = "ORIGINAL_DST"
)

// PinnedConnection mirrors the client-to-proxy pinned upstream leg
// (spec.md Glossary "Pinned connection").
type PinnedConnection struct {
	Peer  config.PeerConfig
	Valid bool
	// Allowed reports the "allowed to use" predicate for this pin; the
	// ACL evaluation backing it is out of scope (spec.md §1).
	Allowed bool
}

// Request is the per-selection scratchpad input, a trimmed view of
// ps_state's request-ref plus the flags the selector branches on.
type Request struct {
	Method string
	Host   string
	Port   int // direct-connection port override; 0 selects 80
	URL    string

	Hierarchical           bool
	NoDirect               bool // accelerator mode forcing DIRECT=No
	LoopDetected           bool
	NonhierarchicalAllowed bool

	Pinned *PinnedConnection

	Intercepted        bool
	HostVerified       bool
	ClientOriginalDst  net.Addr // required when Intercepted && !HostVerified
}

// Initiator is the named-interface collaborator the selector notifies,
// mirroring PeerSelectionInitiator (spec.md §3's "initiator
// back-reference").
type Initiator interface {
	NoteDestination(Destination)
	NoteDestinationsEnd(err error)
	// Interested reports whether the initiator is still subscribed; the
	// selector checks it on every re-entry and self-destructs otherwise
	// (spec.md §4.3 Termination, peerSelectionAborted).
	Interested() bool
}
