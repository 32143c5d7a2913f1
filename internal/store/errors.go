package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind classifies backend failures for the retry and abort policies.
type Kind string

const (
	KindUnknown       Kind = "unknown"
	KindUnavailable   Kind = "unavailable"    // connectivity loss, 5xx
	KindTimeout       Kind = "timeout"        // a single call exceeded its deadline
	KindAuth          Kind = "auth"           // credentials rejected or permission denied
	KindNotFound      Kind = "not_found"      // split folder or container does not exist
	KindMissingObject Kind = "missing_object" // file vanished between list and fetch
	KindQuotaExceeded Kind = "quota_exceeded" // rate limited or out of space
)

func (k Kind) String() string {
	return string(k)
}

// Transient reports whether an operation failing with this kind is worth retrying.
func (k Kind) Transient() bool {
	switch k {
	case KindUnavailable, KindTimeout, KindQuotaExceeded:
		return true
	}
	return false
}

var (
	ErrUnavailable   = errors.New("backend unavailable")
	ErrAuth          = errors.New("authentication rejected")
	ErrNotFound      = errors.New("not found")
	ErrMissingObject = errors.New("object missing")
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Error is returned by every adapter operation.
type Error struct {
	Kind  Kind
	Store StoreID
	Op    string
	Split SplitID
	Name  string
	Err   error
}

func (e *Error) Error() string {
	target := string(e.Split)
	if e.Name != "" {
		target += "/" + e.Name
	}
	if e.Err == nil {
		return fmt.Sprintf("%s %s %s: %s", e.Store, e.Op, target, e.Kind)
	}
	return fmt.Sprintf("%s %s %s: %s: %v", e.Store, e.Op, target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the package sentinels by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrMissingObject:
		return e.Kind == KindMissingObject
	case ErrQuotaExceeded:
		return e.Kind == KindQuotaExceeded
	}
	return false
}

// NewError builds an adapter error.
func NewError(kind Kind, id StoreID, op string, split SplitID, name string, err error) *Error {
	return &Error{Kind: kind, Store: id, Op: op, Split: split, Name: name, Err: err}
}

// KindOf classifies any error. Adapter errors carry their kind; bare errors are
// classified by well known causes.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, os.ErrPermission):
		return KindAuth
	case errors.Is(err, os.ErrNotExist):
		return KindNotFound
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindUnavailable
	}
	return KindUnknown
}

// Wrap attaches store context to err, keeping an existing classification.
// A nil err returns nil.
func Wrap(err error, id StoreID, op string, split SplitID, name string) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return NewError(classify(err), id, op, split, name, err)
}
