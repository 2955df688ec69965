package models

import (
	"errors"
	"fmt"
)

// Kind is the closed set of externally distinguishable failures.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindNotFound           Kind = "not_found"
	KindStateConflict      Kind = "state_conflict"
	KindBudgetExceeded     Kind = "budget_exceeded"
	KindTokenInvalid       Kind = "token_invalid"
	KindRoutingUnavailable Kind = "routing_unavailable"
	KindServiceDegraded    Kind = "service_degraded"
	KindInternal           Kind = "internal"
)

// Sentinels for errors.Is. ErrBudgetExceeded also matches ErrStateConflict.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrStateConflict      = &Error{Kind: KindStateConflict}
	ErrBudgetExceeded     = &Error{Kind: KindBudgetExceeded}
	ErrTokenInvalid       = &Error{Kind: KindTokenInvalid}
	ErrRoutingUnavailable = &Error{Kind: KindRoutingUnavailable}
	ErrServiceDegraded    = &Error{Kind: KindServiceDegraded}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Error carries a Kind, a human-readable (French) message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so wrapped errors compare against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindStateConflict && e.Kind == KindBudgetExceeded
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error { return newError(KindValidation, format, args...) }
func NotFound(format string, args ...any) error { return newError(KindNotFound, format, args...) }
func Conflict(format string, args ...any) error { return newError(KindStateConflict, format, args...) }
func BudgetExceeded(format string, args ...any) error {
	return newError(KindBudgetExceeded, format, args...)
}

// RoutingUnavailable wraps the last mirror failure.
func RoutingUnavailable(cause error) error {
	return &Error{Kind: KindRoutingUnavailable, Msg: "service d'itinéraire indisponible", Err: cause}
}

func Degraded(cause error) error {
	return &Error{Kind: KindServiceDegraded, Msg: "service dégradé, réessayez plus tard", Err: cause}
}

func Internal(cause error) error {
	return &Error{Kind: KindInternal, Msg: "erreur interne", Err: cause}
}

// TokenInvalid reports a rejected action token; reason is one of the
// token package's reason codes.
func TokenInvalid(reason string) error {
	return &Error{Kind: KindTokenInvalid, Msg: "lien invalide ou expiré (" + reason + ")"}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the human-readable message of the first *Error in the chain.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return "erreur interne"
}
