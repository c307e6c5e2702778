package bulk

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/matheus3301/convsync/internal/httpapi"
	"github.com/matheus3301/convsync/internal/retry"
)

// Kind names a bulk operation failure.
type Kind string

const (
	KindTooManyMessages   Kind = "TOO_MANY_MESSAGES"
	KindInvalidMessageIDs Kind = "INVALID_MESSAGE_IDS"
	KindInvalidThreadID   Kind = "INVALID_THREAD_ID"
	KindInvalidRequest    Kind = "INVALID_REQUEST"
	KindAccessDenied      Kind = "ACCESS_DENIED"
	KindThreadNotFound    Kind = "THREAD_NOT_FOUND"
	KindTimeout           Kind = "TIMEOUT"
	KindInternal          Kind = "INTERNAL_ERROR"
	KindNetwork           Kind = "NETWORK_ERROR"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindUndoExpired       Kind = "UNDO_EXPIRED"
	KindInvalidUndoToken  Kind = "INVALID_UNDO_TOKEN"
)

var knownKinds = map[Kind]bool{
	KindTooManyMessages:   false,
	KindInvalidMessageIDs: false,
	KindInvalidThreadID:   false,
	KindInvalidRequest:    false,
	KindAccessDenied:      false,
	KindThreadNotFound:    false,
	KindTimeout:           true,
	KindInternal:          true,
	KindNetwork:           true,
	KindRateLimited:       true,
	KindUndoExpired:       false,
	KindInvalidUndoToken:  false,
}

// Retriable reports whether failures of this kind are retried when the
// server does not say otherwise.
func (k Kind) Retriable() bool { return knownKinds[k] }

// Error is a classified bulk operation failure.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Status  int // 0 when no response was received
	Err     error

	retriable bool
}

func newError(kind Kind, msg, hint string) *Error {
	return &Error{Kind: kind, Message: msg, Hint: hint, retriable: kind.Retriable()}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether the coordinator retries this failure.
func (e *Error) Retriable() bool { return e.retriable }

// IsKind reports whether err carries a bulk error of the given kind.
func IsKind(err error, kind Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}

// classify turns a transport error into an *Error. Context errors from the
// caller pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *httpapi.Error
	if !errors.As(err, &apiErr) {
		out := newError(KindNetwork, err.Error(), "")
		out.Err = err
		if r, ok := err.(retry.Retriable); ok {
			out.retriable = r.Retriable()
		}
		return out
	}

	kind := Kind(apiErr.Code)
	if _, ok := knownKinds[kind]; !ok {
		kind = kindForStatus(apiErr.Status)
	}
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(apiErr.Status)
	}
	return &Error{
		Kind:      kind,
		Message:   msg,
		Hint:      apiErr.Hint,
		Status:    apiErr.Status,
		Err:       apiErr,
		retriable: apiErr.Retriable(),
	}
}

func kindForStatus(status int) Kind {
	switch {
	case status == 0:
		return KindNetwork
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAccessDenied
	case status == http.StatusNotFound:
		return KindThreadNotFound
	case status == http.StatusGone:
		return KindUndoExpired
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindInternal
	}
	return KindInvalidRequest
}
