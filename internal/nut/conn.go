package nut

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Conn is a live session to one endpoint, owned by a Manager. Commands are
// serialised because the NUT protocol has no request ids. A transport
// failure or a command exceeding the timeout moves the Conn to
// StateErrored and evicts it from its Manager. A caller giving up early
// does neither: the Conn stays locked until the pending reply has been
// read, so the next command sees a clean stream.
type Conn struct {
	key     string
	timeout time.Duration
	onEvict func(*Conn, error)

	state atomic.Int32

	mu      sync.Mutex // serialises Command and guards session
	session Session
}

func newConn(key string, timeout time.Duration, onEvict func(*Conn, error)) *Conn {
	c := &Conn{key: key, timeout: timeout, onEvict: onEvict}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) ready(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	c.state.Store(int32(StateReady))
}

// Key returns the endpoint key (host:port).
func (c *Conn) Key() string { return c.key }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Ready reports whether the Conn can take commands.
func (c *Conn) Ready() bool { return c.State() == StateReady }

type reply struct {
	lines []string
	err   error
}

// Command sends cmd and waits for the reply, bounded by the per-command
// timeout. ERR replies come back as *ProtocolError. A transport failure or
// timeout is a *ConnectionError and the Conn is evicted. If ctx ends first
// its error is returned as is and the Conn stays cached.
func (c *Conn) Command(ctx context.Context, cmd string) ([]string, error) {
	c.mu.Lock()
	if c.State() != StateReady {
		c.mu.Unlock()
		return nil, &ConnectionError{Endpoint: c.key, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	start := time.Now()
	var expired <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	session := c.session
	done := make(chan reply, 1)
	go func() {
		lines, err := session.Command(cmd)
		done <- reply{lines: lines, err: err}
	}()

	select {
	case r := <-done:
		defer c.mu.Unlock()
		if r.err == nil {
			return r.lines, nil
		}
		if isProtocolError(r.err) {
			return nil, r.err
		}
		c.fail(r.err)
		return nil, &ConnectionError{Endpoint: c.key, Err: r.err}
	case <-expired:
		defer c.mu.Unlock()
		err := c.timedOut(cmd)
		c.fail(err)
		return nil, &ConnectionError{Endpoint: c.key, Err: err}
	case <-ctx.Done():
		// The reply is still on its way; hand the lock to drain.
		go c.drain(cmd, done, start)
		return nil, ctx.Err()
	}
}

// drain waits out a command whose caller has gone, then releases c.mu.
// The command keeps the deadline it started with and gets the same
// verdict Command would have given it.
func (c *Conn) drain(cmd string, done <-chan reply, start time.Time) {
	defer c.mu.Unlock()
	var expired <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout - time.Since(start))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case r := <-done:
		if r.err != nil && !isProtocolError(r.err) {
			c.fail(r.err)
		}
	case <-expired:
		c.fail(c.timedOut(cmd))
	}
}

func (c *Conn) timedOut(cmd string) error {
	return fmt.Errorf("%q got no reply within %s: %w", cmd, c.timeout, context.DeadlineExceeded)
}

func isProtocolError(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}

// fail marks the Conn errored, closes the session and notifies the
// Manager. c.mu must be held.
func (c *Conn) fail(cause error) {
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateErrored)) {
		return
	}
	if c.session != nil {
		_ = c.session.Close()
	}
	if c.onEvict != nil {
		c.onEvict(c, cause)
	}
}

// Close ends the session and evicts the Conn. Closing twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := State(c.state.Swap(int32(StateClosed)))
	if prev == StateClosed || prev == StateErrored {
		c.state.Store(int32(prev))
		return nil
	}
	var err error
	if c.session != nil {
		err = c.session.Close()
	}
	if c.onEvict != nil {
		c.onEvict(c, ErrClosed)
	}
	return err
}
