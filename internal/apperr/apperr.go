// Package apperr defines the error kinds surfaced by the negotiation and messaging core.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is malformed or out-of-policy input; the input must change.
	KindValidation
	// KindAuthorization means the actor lacks rights for the action.
	KindAuthorization
	// KindTransient is a store or network failure on a single read or write; retryable by the user.
	KindTransient
	// KindPartialWorkflow means a multi-step workflow committed its first step but not all others.
	KindPartialWorkflow
	// KindNotFound means a referenced record is missing.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindTransient:
		return "transient_store"
	case KindPartialWorkflow:
		return "partial_workflow"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is a classified error produced at a component boundary
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind lets KindOf classify *Error values
func (e *Error) ErrorKind() Kind { return e.Kind }

// Kinded is implemented by errors that carry their own kind
type Kinded interface {
	error
	ErrorKind() Kind
}

// KindOf returns the kind of the first kinded error in err's chain
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindUnknown
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Validation returns a KindValidation error
func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

// Authorization returns a KindAuthorization error
func Authorization(op, msg string) error {
	return &Error{Kind: KindAuthorization, Op: op, Message: msg}
}

// NotFound returns a KindNotFound error
func NotFound(op, msg string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Message: msg, Err: err}
}

// Transient wraps a store failure as KindTransient
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Message: "store unavailable, try again", Err: err}
}
