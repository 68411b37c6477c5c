package chat

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel error kinds. Transport layers map these to status codes and live error events.
var (
	ErrValidation   = errors.New("validation")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not_found")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal")
)

// OpError is a typed operation error. Msg is safe to show to callers; Err keeps the underlying
// cause for logs.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validation(op, msg string) error { return OpError{Op: op, Kind: ErrValidation, Msg: msg} }
func forbidden(op, msg string) error  { return OpError{Op: op, Kind: ErrForbidden, Msg: msg} }
func notFound(op, msg string) error   { return OpError{Op: op, Kind: ErrNotFound, Msg: msg} }
func conflict(op, msg string) error   { return OpError{Op: op, Kind: ErrConflict, Msg: msg} }

// internal wraps err as ErrInternal unless it already carries a domain kind.
func internal(op string, err error) error {
	if err == nil {
		return nil
	}
	if kind := KindOf(err); kind != ErrInternal {
		return err
	}
	var oe OpError
	if errors.As(err, &oe) {
		return err
	}
	return OpError{Op: op, Kind: ErrInternal, Msg: "storage failure", Err: err}
}

// KindOf returns the sentinel kind carried by err, or ErrInternal when it carries none.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrUnauthorized, ErrForbidden, ErrNotFound, ErrConflict} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// PublicMessage returns the caller-facing text for err.
func PublicMessage(err error) string {
	var oe OpError
	if errors.As(err, &oe) && oe.Kind != ErrInternal && oe.Msg != "" {
		return oe.Msg
	}
	switch KindOf(err) {
	case ErrValidation:
		return "invalid request"
	case ErrForbidden:
		return "forbidden"
	case ErrNotFound:
		return "not found"
	case ErrConflict:
		return "conflict"
	case ErrUnauthorized:
		return "unauthorized"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "request cancelled"
	}
	return "internal error"
}
