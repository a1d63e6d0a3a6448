package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies failures so that callers can decide between surfacing,
// retrying against a fallback, or feeding the failure back to the model.
type Kind string

const (
	KindArgumentParse           Kind = "argument_parse"
	KindParameterValidation     Kind = "parameter_validation"
	KindDangerousActionRejected Kind = "dangerous_action_rejected"
	KindToolExecution           Kind = "tool_execution"
	KindProviderConnectivity    Kind = "provider_connectivity"
	KindProviderAuth            Kind = "provider_auth"
	KindProviderNotFound        Kind = "provider_not_found"
	KindProviderServer          Kind = "provider_server"
	KindProviderRequest         Kind = "provider_request"
	KindIterationLimit          Kind = "iteration_limit"
	KindTransportRequest        Kind = "transport_request"
)

// KindError is an error tagged with a Kind.
type KindError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *KindError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *KindError) Unwrap() error { return e.Err }

// Is matches any KindError target carrying the same Kind.
func (e *KindError) Is(target error) bool {
	t, ok := target.(*KindError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// WithKind tags err with kind. A nil err yields nil.
func WithKind(kind Kind, err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Message: fmt.Sprintf(format, a...), Err: err}
}

// NewKind creates a tagged error without an underlying cause.
func NewKind(kind Kind, format string, a ...interface{}) error {
	return &KindError{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

// KindOf returns the first Kind found in err's chain, or "".
func KindOf(err error) Kind {
	var ke *KindError
	if stderrors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// ErrIterationLimit is returned when the tool loop runs out of iterations.
// It is fatal for the turn and never retried.
var ErrIterationLimit = &KindError{Kind: KindIterationLimit, Message: "tool loop exceeded max iterations"}
