package nut

import (
	"errors"
	"fmt"
	"strings"
)

// BusyToken is the error text upsd (and some drivers) report while a
// previous exchange with the device is still in progress. Matching is a
// case-sensitive substring test.
const BusyToken = "Other communication still running"

var (
	// ErrTransientBusy marks an error that is worth retrying after a short pause.
	ErrTransientBusy = errors.New("nut: " + BusyToken)

	// ErrClosed is returned for commands on a closed connection or manager.
	ErrClosed = errors.New("nut: connection closed")
)

// ConnectionError reports a socket or handshake failure for one endpoint.
// The connection it came from has already been evicted from the Manager.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("nut: connection to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports an ERR reply from upsd or a response the codec
// could not make sense of. The connection itself is still usable.
type ProtocolError struct {
	Code string // ERR code, or MALFORMED / UNTERMINATED for decode failures
	Line string // offending line, verbatim
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return "nut: protocol error " + e.Code
	}
	return fmt.Sprintf("nut: protocol error %s: %q", e.Code, e.Line)
}

// Is lets errors.Is(err, ErrTransientBusy) match busy replies.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrTransientBusy && strings.Contains(e.Line, BusyToken)
}

// IsTransientBusy reports whether err signals a busy device that should be
// retried rather than treated as a failure.
func IsTransientBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientBusy) {
		return true
	}
	return strings.Contains(err.Error(), BusyToken)
}

// IsConnectionError reports whether err came from the transport layer.
func IsConnectionError(err error) bool {
	var cerr *ConnectionError
	return errors.As(err, &cerr)
}

func malformed(line string) *ProtocolError {
	return &ProtocolError{Code: "MALFORMED", Line: line}
}
