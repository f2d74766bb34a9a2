package forward

import (
	"fmt"

	"squidcore/internal/adaptation"
)

// ErrorKind enumerates the forwarding-lifecycle failure kinds of
// spec.md §7.
type ErrorKind string

const (
	ErrDNSFail      ErrorKind = "DNS_FAIL"
	ErrWriteError   ErrorKind = "WRITE_ERROR"
	ErrReadTimeout  ErrorKind = "READ_TIMEOUT"
	ErrTooBig       ErrorKind = "TOO_BIG"
	ErrICAPFailure  ErrorKind = "ICAP_FAILURE"
	ErrAccessDenied ErrorKind = "ACCESS_DENIED"
	ErrConnectFail  ErrorKind = "CONNECT_FAIL"
)

// Error is the sentinel-plus-detail error type spec.md §7 expects every
// forwarding failure to carry: a stable kind for retry/log-code
// decisions, an HTTP status to show the client, free-text detail, and
// whether trying the next FwdServer in line is worthwhile.
type Error struct {
	Kind      ErrorKind
	Status    int
	Detail    string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("forward: %s (status %d): %s", e.Kind, e.Status, e.Detail)
}

// fromAdaptationError re-kinds an adaptation-layer error onto this
// package's Error type, since C6 drives C5 but C5 must not import C6.
func fromAdaptationError(err error) *Error {
	aerr, ok := err.(*adaptation.Error)
	if !ok {
		return &Error{Kind: ErrICAPFailure, Status: 502, Detail: err.Error(), Retryable: true}
	}
	switch aerr.Kind {
	case adaptation.ErrTooBig:
		return &Error{Kind: ErrTooBig, Status: aerr.Status, Detail: aerr.Detail, Retryable: false}
	case adaptation.ErrAccessDenied:
		return &Error{Kind: ErrAccessDenied, Status: aerr.Status, Detail: aerr.PageID, Retryable: false}
	default:
		status := aerr.Status
		if status == 0 {
			status = 502
		}
		return &Error{Kind: ErrICAPFailure, Status: status, Detail: aerr.Detail, Retryable: aerr.Retryable}
	}
}
