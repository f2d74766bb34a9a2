// Package adaptation implements the optional response-modification
// gateway of spec.md §4.5: routing a virgin reply through an external
// service group and merging the adapted result back, grounded on the
// Adaptation::Iterator/AccessCheck contract spec.md describes (no
// original source file for this component was retrieved — see
// DESIGN.md).
package adaptation

import (
	"context"
	"fmt"
	"net/http"

	"squidcore/internal/bodypipe"
)

// Message is a virgin, adapted, or final reply as it crosses the
// gateway boundary.
type Message struct {
	StatusCode       int
	Header           http.Header
	Body             *bodypipe.Pipe // nil if bodiless
	DeclaredBodySize int64          // <=0 means unknown
}

// AnswerKind tags the three possible adaptation answers of spec.md §4.5.
type AnswerKind int

const (
	AnswerForward AnswerKind = iota
	AnswerBlock
	AnswerError
)

// Answer is the Adaptation::Iterator's verdict for one message.
type Answer struct {
	Kind AnswerKind

	// AnswerForward
	Message *Message

	// AnswerBlock
	PageID string

	// AnswerError
	Final bool // not consulted: handleAnswer aborts on every AnswerError
}

// AccessChecker decides which service group (if any) applies to a
// virgin reply, mirroring AccessCheck::Start(mode=respmod,
// point=preCache, ...). Out of scope beyond its named interface
// (spec.md §1's "ACL evaluation" exclusion applies here too).
type AccessChecker interface {
	CheckRespmod(ctx context.Context, virgin *Message) (group string, err error)
}

// Service runs one service group's Adaptation::Iterator over a message
// and returns its answer.
type Service interface {
	Adapt(ctx context.Context, group string, virgin *Message) (Answer, error)
}

// ErrorKind mirrors the error kinds spec.md §7 attributes to this
// component.
type ErrorKind string

const (
	ErrTooBig      ErrorKind = "TOO_BIG"
	ErrICAPFailure ErrorKind = "ICAP_FAILURE"
	ErrAccessDenied ErrorKind = "ACCESS_DENIED"
)

// Error is this package's sentinel-plus-detail error type, shaped like
// spec.md §7's error kinds; forward.go on the consuming side maps it
// onto its own Error type rather than importing this package's, to
// avoid a forward<->adaptation import cycle (forward calls into
// adaptation; adaptation must not call back into forward).
type Error struct {
	Kind      ErrorKind
	Status    int
	Detail    string
	Retryable bool
	PageID    string // set for ErrAccessDenied
}

func (e *Error) Error() string { return fmt.Sprintf("adaptation: %s: %s", e.Kind, e.Detail) }

// Gateway drives spec.md §4.5's state for one virgin reply.
type Gateway struct {
	access  AccessChecker
	service Service
	maxBody int64

	startedAdaptation            bool
	adaptationAccessCheckPending bool
	virginBodyDestination        *bodypipe.Pipe
	adaptedBodySource             *bodypipe.Pipe
	adaptedHeadSource              bool
	receivedWholeAdaptedReply    bool
	adaptedReplyAborted          bool
}

// New builds a Gateway. maxBody bounds the virgin reply's declared body
// size before TOO_BIG is synthesized.
func New(access AccessChecker, service Service, maxBody int64) *Gateway {
	return &Gateway{access: access, service: service, maxBody: maxBody}
}

// Start runs the full decision sequence against one virgin reply:
// TOO_BIG check, access check, and — if a group applies — one round
// through the configured Service. The returned Message is either the
// virgin reply unchanged (no adaptation configured) or the service's
// adapted message.
func (g *Gateway) Start(ctx context.Context, virgin *Message) (*Message, error) {
	if g.maxBody > 0 && virgin.DeclaredBodySize > g.maxBody {
		return nil, &Error{Kind: ErrTooBig, Status: 403, Detail: "declared virgin body exceeds configured maximum"}
	}

	if g.access == nil {
		return virgin, nil
	}

	g.adaptationAccessCheckPending = true
	group, err := g.access.CheckRespmod(ctx, virgin)
	g.adaptationAccessCheckPending = false
	if err != nil {
		return nil, g.abort(false, err)
	}
	if group == "" {
		return virgin, nil
	}

	if virgin.Body != nil {
		g.virginBodyDestination = bodypipe.New(0, bodypipe.Callbacks{})
		virgin.Body = g.virginBodyDestination
	}
	g.startedAdaptation = true

	answer, err := g.service.Adapt(ctx, group, virgin)
	if err != nil {
		return nil, g.abort(false, err)
	}
	return g.handleAnswer(answer, false)
}

// handleAnswer's entryHasBytes distinguishes spec.md §4.5's early vs
// late abort. Every call site in this package passes false: Start runs
// to completion before forward.Lifecycle ever writes a byte of the
// reply to the client, so within this synchronous gateway "late" (the
// store entry already has bytes when adaptation fails) cannot occur —
// it would only become reachable if a caller started streaming partial
// adapted output to the client before Start returned, which this
// gateway's contract does not allow. The branch is kept, not deleted,
// because it is still correct and documents the intended behavior for
// that caller shape.
func (g *Gateway) handleAnswer(answer Answer, entryHasBytes bool) (*Message, error) {
	switch answer.Kind {
	case AnswerForward:
		if answer.Message.Body != nil {
			g.adaptedBodySource = answer.Message.Body
		}
		g.receivedWholeAdaptedReply = true
		return answer.Message, nil
	case AnswerBlock:
		if entryHasBytes {
			// Late block: the entry already has bytes; this is not a
			// fresh failure the client can be shown a deny page for.
			return nil, g.abort(true, fmt.Errorf("adaptation: late block"))
		}
		pageID := answer.PageID
		if pageID == "" {
			pageID = "ACCESS_DENIED"
		}
		return nil, &Error{Kind: ErrAccessDenied, Status: 403, PageID: pageID, Retryable: false}
	case AnswerError:
		return nil, g.abort(entryHasBytes, fmt.Errorf("adaptation: service error"))
	default:
		return nil, g.abort(entryHasBytes, fmt.Errorf("adaptation: unknown answer kind %d", answer.Kind))
	}
}

// abort implements spec.md §4.5's early/late abort distinction: early
// (store entry still empty) synthesizes ICAP_FAILURE/500 with detail
// ICAP_RESPMOD_EARLY and disables retry; late leaves the client's
// truncated response alone and only attaches a logging detail.
func (g *Gateway) abort(entryHasBytes bool, cause error) error {
	g.adaptedReplyAborted = true
	if entryHasBytes {
		return &Error{Kind: ErrICAPFailure, Status: 0, Detail: "ICAP_RESPMOD_LATE", Retryable: true}
	}
	return &Error{Kind: ErrICAPFailure, Status: 500, Detail: "ICAP_RESPMOD_EARLY", Retryable: false}
}

// Done reports whether adaptation has finished: no virgin destination,
// no adapted head/body source, and no pending ACL check (spec.md §4.5
// Completion).
func (g *Gateway) Done() bool {
	return g.virginBodyDestination == nil &&
		!g.adaptedHeadSource &&
		g.adaptedBodySource == nil &&
		!g.adaptationAccessCheckPending
}

// FinalWholeMarker implements spec.md §4.5's whole-marker decision:
// when no adaptation ran, the caller's own markedParsedVirginReplyAsWhole
// applies; otherwise it is "receivedWholeAdaptedReply" iff that flag is
// set.
func (g *Gateway) FinalWholeMarker(noAdaptationMarker string) string {
	if !g.startedAdaptation {
		return noAdaptationMarker
	}
	if g.receivedWholeAdaptedReply {
		return "receivedWholeAdaptedReply"
	}
	return ""
}

// StartedAdaptation reports whether a service group was actually
// engaged, used by the forwarding lifecycle to decide completion
// semantics (spec.md §4.5/§4.6).
func (g *Gateway) StartedAdaptation() bool { return g.startedAdaptation }
