package nut

import (
	"context"
	"net"
	"strconv"
)

// Endpoint identifies one upsd server.
type Endpoint struct {
	ID       string // stable server id used to tag snapshots
	Name     string // display name
	Host     string
	Port     int
	Username string
	Password string
}

// Address returns host:port, defaulting the port to 3493.
func (e Endpoint) Address() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// ServerID is ID, or the address when no id was configured.
func (e Endpoint) ServerID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Address()
}

// Key is the connection cache key. Endpoints sharing host:port share a
// connection.
func (e Endpoint) Key() string { return e.Address() }

// Session is a logged-in, request/response channel to upsd. Command sends
// one protocol line and returns the complete reply, BEGIN/END lines
// included. An ERR reply is returned as a *ProtocolError; any other error
// means the session is unusable.
//
// Sessions are not safe for concurrent use; Conn serialises access.
type Session interface {
	Command(cmd string) ([]string, error)
	Close() error
}

// Dialer opens a Session and performs the login handshake.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Session, error)
}

// Commander is what the Fetcher needs from a connection.
type Commander interface {
	Command(ctx context.Context, cmd string) ([]string, error)
}
