package share

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"syscall"

	"sharelift/pkg/types"
)

// ErrorKind classifies failures reported by a share.
type ErrorKind int

const (
	KindIO ErrorKind = iota
	KindConnectionLost
	KindPermissionDenied
	KindNotFound
	KindProtocolUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionLost:
		return "connection lost"
	case KindPermissionDenied:
		return "permission denied"
	case KindNotFound:
		return "not found"
	case KindProtocolUnsupported:
		return "protocol version unsupported"
	default:
		return "i/o error"
	}
}

// Error is the protocol error returned by every FileSystem operation.
type Error struct {
	Op   string
	Path types.PathKey
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of op and path.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Kind == e.Kind
}

var (
	ErrConnectionLost      = &Error{Kind: KindConnectionLost}
	ErrPermissionDenied    = &Error{Kind: KindPermissionDenied}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrProtocolUnsupported = &Error{Kind: KindProtocolUnsupported}
)

// Wrap converts err into an *Error, classifying common OS and network
// failures. Existing *Error values keep their kind.
func Wrap(op string, p types.PathKey, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Path: p, Kind: classify(err), Err: err}
}

func classify(err error) ErrorKind {
	var ne net.Error
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOENT):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return KindPermissionDenied
	case errors.Is(err, syscall.ENOTSUP), errors.Is(err, syscall.EOPNOTSUPP), errors.Is(err, syscall.EPROTONOSUPPORT):
		return KindProtocolUnsupported
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.ESTALE), errors.Is(err, syscall.ENOTCONN),
		errors.Is(err, net.ErrClosed), errors.Is(err, context.DeadlineExceeded):
		return KindConnectionLost
	case errors.As(err, &ne):
		return KindConnectionLost
	}
	return KindIO
}

// KindOf returns the kind of a share error, or KindIO for anything else.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindIO
}

// IsNotFound reports whether err means the path does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether an operation that failed with err may succeed
// if attempted again: lost connections and generic I/O failures. Missing
// paths, permission and protocol errors are permanent.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindIO, KindConnectionLost:
		return true
	}
	return false
}
