package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a control-plane failure for retry and propagation decisions.
type Kind string

const (
	KindConfiguration     Kind = "configuration_error"
	KindEngineUnavailable Kind = "engine_unavailable"
	KindInputFetch        Kind = "input_fetch_error"
	KindOutputUpload      Kind = "output_upload_error"
	KindProcessing        Kind = "processing_error"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindDependencySkipped Kind = "dependency_skipped"
	KindCapacityExhausted Kind = "capacity_exhausted"
	KindWorkerCrash       Kind = "worker_crash"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal_error"
)

type Error struct {
	Kind      Kind
	Component string
	Message   string
	RequestID string
	TraceID   string
	Cause     error

	// RetrySet distinguishes "engine said retryable=false" from "no opinion".
	Retry    bool
	RetrySet bool
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Component != "" {
		b.WriteString(" [" + e.Component + "]")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, component, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, component string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithRetryable pins the retry decision, overriding the per-kind default.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retry = retryable
	e.RetrySet = true
	return e
}

func (e *Error) WithCorrelation(requestID, traceID string) *Error {
	e.RequestID = requestID
	e.TraceID = traceID
	return e
}

// KindOf walks the chain for the outermost classified error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsRetryable applies the classification table: timeouts and transient I/O
// retry, validation and configuration do not, engines may pin either way.
func IsRetryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	if fe.RetrySet {
		return fe.Retry
	}
	switch fe.Kind {
	case KindInputFetch, KindOutputUpload, KindTimeout, KindCapacityExhausted:
		return true
	default:
		return false
	}
}
