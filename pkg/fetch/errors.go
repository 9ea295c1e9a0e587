package fetch

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure. The orchestrator only cares about
// the split between retryable and permanent, the finer kinds feed logs
// and metrics.
type Kind int

const (
	// KindTransient covers network failures, timeouts and 5xx replies.
	KindTransient Kind = iota
	// KindAuth covers rejected or missing provider credentials.
	KindAuth
	// KindNotFound covers units the provider does not publish.
	KindNotFound
	// KindFormat covers payloads that cannot be decoded.
	KindFormat
	// KindConfig covers local misconfiguration (paths, templates).
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindFormat:
		return "format"
	case KindConfig:
		return "config"
	}
	return "unknown"
}

// Error is a classified fetch failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the classification, defaulting to transient so
// unclassified I/O failures stay retryable.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
