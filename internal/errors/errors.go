// Package errors provides domain-specific error types for tcpfwd.
//
// Every failure the forwarder can observe is expressed as a
// [NetworkError] whose Op names the stage that failed (bind, accept,
// connect, read, write).  Listener-level failures that stop the accept
// loop are additionally wrapped in a [ServerError] so callers can tell
// a dead service from a single failed session.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected    = errors.New("gateway not connected")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
	ErrShortWrite      = errors.New("short write")
)

// Operation names carried in NetworkError.Op.
const (
	OpBind    = "bind"
	OpAccept  = "accept"
	OpConnect = "connect"
	OpRead    = "read"
	OpWrite   = "write"
)

// Stages carried in SSHError.Op.
const (
	SSHOpHandshake = "handshake"
	SSHOpAuth      = "auth"
	SSHOpHostKey   = "hostkey"
	SSHOpChannel   = "channel"
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // one of the Op* constants
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the condition is transient
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError reports that the listening socket can no longer serve
// and the accept loop has stopped.
type ServerError struct {
	Addr string
	Err  error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %v", e.Addr, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // one of the SSHOp* constants
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap tags err with the failed stage and address.  Retryable is
// derived from err.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{Op: op, Addr: addr, Err: err, Retryable: transient(err)}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is a transient condition: an
// aborted handshake in the accept queue, or a timeout or temporary
// failure reported by the net package.
func IsRetryable(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return transient(err)
}

// IsBind reports whether err is a failure to bind the listening socket.
func IsBind(err error) bool { return hasOp(err, OpBind) }

// IsAccept reports whether err came from accepting a connection.
func IsAccept(err error) bool { return hasOp(err, OpAccept) }

// IsConnect reports whether err is a failed outbound connection.
func IsConnect(err error) bool { return hasOp(err, OpConnect) }

// IsRead reports whether err is a failed read on a relay direction.
func IsRead(err error) bool { return hasOp(err, OpRead) }

// IsWrite reports whether err is a failed write on a relay direction.
func IsWrite(err error) bool { return hasOp(err, OpWrite) }

// IsClosed reports whether err only says the socket was already
// closed, which is the expected way a blocked relay is woken during
// teardown.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

func hasOp(err error, op string) bool {
	var ne *NetworkError
	for err != nil {
		if !errors.As(err, &ne) {
			return false
		}
		if ne.Op == op {
			return true
		}
		err = ne.Err
	}
	return false
}

func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
