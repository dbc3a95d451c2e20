package nut

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	gonut "github.com/robbiet480/go.nut"
)

// GoNUTDialer opens sessions through github.com/robbiet480/go.nut. The
// library has no deadlines of its own: Dial bounds the connect with
// DialTimeout and ctx, and Conn enforces the command timeout.
//
// go.nut reads a LIST reply until its END line, so an ERR answer to a LIST
// would only surface as a read timeout. Before each LIST VAR the session
// therefore asks for ups.status with a single-line GET, whose ERR comes
// back at once.
type GoNUTDialer struct {
	DialTimeout time.Duration
}

type dialResult struct {
	client *gonut.Client
	err    error
}

// Dial connects and authenticates when ep carries credentials.
func (d GoNUTDialer) Dial(ctx context.Context, ep Endpoint) (Session, error) {
	port := ep.Port
	if port == 0 {
		port = DefaultPort
	}
	if d.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.DialTimeout)
		defer cancel()
	}

	done := make(chan dialResult, 1)
	go func() {
		conn, err := gonut.Connect(ep.Host, port)
		if err != nil {
			done <- dialResult{err: fmt.Errorf("connecting to NUT at %s: %w", ep.Address(), err)}
			return
		}
		if ep.Username != "" {
			ok, err := conn.Authenticate(ep.Username, ep.Password)
			if err == nil && !ok {
				err = errors.New("login not acknowledged")
			}
			if err != nil {
				_, _ = conn.Disconnect()
				done <- dialResult{err: fmt.Errorf("authenticating with NUT as %s: %w", ep.Username, err)}
				return
			}
		}
		done <- dialResult{client: &conn}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return &goNUTSession{client: r.client}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_, _ = r.client.Disconnect()
			}
		}()
		return nil, fmt.Errorf("connecting to NUT at %s: %w", ep.Address(), ctx.Err())
	}
}

type goNUTSession struct {
	client *gonut.Client
}

// Command returns the raw reply lines; go.nut already reads LIST replies
// through their END line.
func (s *goNUTSession) Command(cmd string) ([]string, error) {
	if device, ok := strings.CutPrefix(cmd, "LIST VAR "); ok {
		if err := s.preflight(device); err != nil {
			return nil, err
		}
	}
	lines, err := s.client.SendCommand(cmd)
	if err != nil {
		if isTransportError(err) {
			return nil, err
		}
		return nil, goNUTProtocolError(err)
	}
	if len(lines) > 0 {
		if perr := ParseErrorLine(lines[0]); perr != nil {
			return nil, perr
		}
	}
	return lines, nil
}

// preflight surfaces the ERR a LIST VAR for device would get. A device
// without ups.status is still listed.
func (s *goNUTSession) preflight(device string) error {
	_, err := s.client.SendCommand(EncodeGetVar(device, "ups.status"))
	if err == nil {
		return nil
	}
	if isTransportError(err) {
		return err
	}
	perr := goNUTProtocolError(err)
	if perr.Code == "VAR-NOT-SUPPORTED" {
		return nil
	}
	return perr
}

// go.nut replaces the ERR code with a description. These fragments map the
// descriptions the dashboard cares about back to their codes.
var goNUTErrorCodes = []struct{ fragment, code string }{
	{"not known to upsd", "UNKNOWN-UPS"},
	{"doesn’t support the variable", "VAR-NOT-SUPPORTED"},
	{"marked the data as stale", "DATA-STALE"},
	{"driver for that UPS is not connected", "DRIVER-NOT-CONNECTED"},
	{"authentication details", "ACCESS-DENIED"},
	{"doesn’t recognize the requested command", "UNKNOWN-COMMAND"},
}

// goNUTProtocolError rebuilds a ProtocolError from a go.nut ERR error. Any
// code go.nut does not know, the busy reply among them, arrives as
// "Unknown error code" with the text dropped; it is reported as busy so
// the Fetcher retries it.
func goNUTProtocolError(err error) *ProtocolError {
	msg := err.Error()
	if msg == "Unknown error code" {
		return &ProtocolError{Code: "UNRECOGNISED", Line: "ERR " + BusyToken}
	}
	for _, c := range goNUTErrorCodes {
		if strings.Contains(msg, c.fragment) {
			return &ProtocolError{Code: c.code, Line: "ERR " + c.code}
		}
	}
	return &ProtocolError{Code: "ERR", Line: "ERR " + msg}
}

// Close disconnects in the background: Disconnect sends LOGOUT and waits
// for the reply, which never comes from a hung server.
func (s *goNUTSession) Close() error {
	client := s.client
	go func() { _, _ = client.Disconnect() }()
	return nil
}

func isTransportError(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	// go.nut wraps read failures with %v, dropping the error chain.
	msg := err.Error()
	return strings.Contains(msg, "error reading response") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset")
}
