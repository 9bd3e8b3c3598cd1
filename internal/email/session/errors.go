package session

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/emersion/go-imap/v2"
)

// Kind classifies mailbox failures so callers can decide between retrying
// and shutting down without inspecting transport details.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that did not originate here.
	KindUnknown Kind = iota
	// KindConnectivity covers transport timeouts and lost connections. Transient.
	KindConnectivity
	// KindCredentials means the server refused the login. Fatal.
	KindCredentials
	// KindMailbox means the configured folder could not be selected. Fatal.
	KindMailbox
	// KindServer covers non-OK command statuses and protocol aborts. Fatal.
	KindServer
	// KindDisconnect is a failed best-effort logout. Never propagated by callers.
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindCredentials:
		return "credentials"
	case KindMailbox:
		return "mailbox"
	case KindServer:
		return "server"
	case KindDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Error is the single error type produced by the session manager.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "imap " + e.Op + ": " + e.Kind.String() + " error"
	}
	return "imap " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrTimeout marks a command that did not complete within its deadline.
	ErrTimeout = errors.New("timeout occurred")
	// ErrNotSelected is returned for operations issued outside the SELECTED state.
	ErrNotSelected = errors.New("session not selected")
	// ErrConnectionLost is returned when the transport went away mid-session.
	ErrConnectionLost = errors.New("connection to IMAP server lost")
)

// KindOf reports the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should trigger a reconnect.
func IsTransient(err error) bool {
	return KindOf(err) == KindConnectivity
}

// IsFatal reports whether err is an account or server level failure.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindCredentials, KindMailbox, KindServer:
		return true
	default:
		return false
	}
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// classify maps a raw client error onto the taxonomy. Status responses
// (NO/BAD/BYE) become statusKind; anything that looks like the socket
// going away becomes connectivity; the rest are protocol aborts.
func classify(op string, err error, statusKind Kind) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return newError(statusKind, op, err)
	}
	if isNetErr(err) {
		return newError(KindConnectivity, op, err)
	}
	return newError(KindServer, op, err)
}

func isNetErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
