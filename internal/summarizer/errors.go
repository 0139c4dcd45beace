package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/api/googleapi"
)

// Kind classifies a summarization failure at the point the external call
// fails, so retry policy can dispatch on type instead of matching error text.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindTimeout
	KindNetwork
	KindContentRejected
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindContentRejected:
		return "content_rejected"
	case KindNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// Error carries a classified Kind alongside the underlying failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("summarizer: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("summarizer: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// newError wraps err with a Kind.
func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to KindOther.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

// Transient reports whether a failure is worth retrying.
func Transient(k Kind) bool {
	return k == KindRateLimited || k == KindTimeout || k == KindNetwork
}

// classify maps a provider error to a Kind.
func classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return KindRateLimited
		case apiErr.Code == 404:
			return KindNotFound
		case apiErr.Code >= 500:
			return KindNetwork
		}
		return KindOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindOther
}
