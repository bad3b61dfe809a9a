package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure so callers can branch without string matching.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindUnauthorized       Kind = "unauthorized"
	KindRideNotAvailable   Kind = "ride_not_available"
	KindInvalidTransition  Kind = "invalid_transition"
	KindDuplicateOffer     Kind = "duplicate_offer"
	KindConflict           Kind = "conflict"
	KindAdvisorUnavailable Kind = "advisor_unavailable"
	KindInvalidInput       Kind = "invalid_input"
)

// Error is a domain failure. Two errors match under errors.Is when their kinds are equal.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized, Message: "actor is not a party to the ride"}
	ErrRideNotAvailable   = &Error{Kind: KindRideNotAvailable, Message: "ride is not available"}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition, Message: "invalid ride status transition"}
	ErrDuplicateOffer     = &Error{Kind: KindDuplicateOffer, Message: "driver already has an offer on this ride"}
	ErrConflict           = &Error{Kind: KindConflict, Message: "concurrent modification"}
	ErrAdvisorUnavailable = &Error{Kind: KindAdvisorUnavailable, Message: "fare advisor unavailable"}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput, Message: "invalid input"}
)

// Errorf builds a domain error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a domain error of the given kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the domain kind carried by err, or "" for non-domain errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
