package nut

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// maxListLines guards against a peer that never sends END.
const maxListLines = 10000

// TCPDialer speaks the NUT line protocol directly over TCP with explicit
// dial and per-command deadlines.
type TCPDialer struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// Dial connects to ep and logs in when credentials are configured.
func (d TCPDialer) Dial(ctx context.Context, ep Endpoint) (Session, error) {
	nd := net.Dialer{Timeout: d.DialTimeout}
	conn, err := nd.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", ep.Address(), err)
	}
	s := &tcpSession{
		conn:    conn,
		r:       bufio.NewReader(conn),
		timeout: d.CommandTimeout,
	}
	if err := login(s, ep); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// login runs the USERNAME/PASSWORD handshake when ep carries credentials.
func login(s Session, ep Endpoint) error {
	if ep.Username == "" {
		return nil
	}
	for _, cmd := range []string{EncodeUsername(ep.Username), EncodePassword(ep.Password)} {
		lines, err := s.Command(cmd)
		if err == nil {
			err = DecodeOK(lines)
		}
		if err != nil {
			verb, _, _ := strings.Cut(cmd, " ")
			return fmt.Errorf("authenticating as %q (%s): %w", ep.Username, verb, err)
		}
	}
	return nil
}

type tcpSession struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

func (s *tcpSession) Command(cmd string) ([]string, error) {
	if s.timeout > 0 {
		if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			return nil, err
		}
	}
	if _, err := io.WriteString(s.conn, cmd+"\n"); err != nil {
		return nil, fmt.Errorf("writing %q: %w", cmd, err)
	}

	first, err := s.readLine()
	if err != nil {
		return nil, err
	}
	if perr := ParseErrorLine(first); perr != nil {
		return nil, perr
	}
	begin, end, multi := listFrame(cmd)
	if !multi {
		return []string{first}, nil
	}
	// Anything other than the expected frame leaves the stream in an
	// unknown position, so it is a transport failure, not a ProtocolError.
	if first != begin {
		return nil, fmt.Errorf("unexpected reply to %q: %q", cmd, first)
	}
	lines := []string{first}
	for len(lines) < maxListLines {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
		if line == end {
			return lines, nil
		}
	}
	return nil, fmt.Errorf("reply to %q exceeded %d lines", cmd, maxListLines)
}

func (s *tcpSession) readLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading reply: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *tcpSession) Close() error {
	// Best effort: tell upsd we are leaving, but never wait long for it.
	_ = s.conn.SetDeadline(time.Now().Add(100 * time.Millisecond))
	_, _ = io.WriteString(s.conn, EncodeLogout()+"\n")
	return s.conn.Close()
}
