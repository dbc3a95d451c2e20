package nut

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Reply is one scripted answer to a command.
type Reply struct {
	Lines []string
	Err   error
	Delay time.Duration // how long the "server" takes to answer
}

// FakeSession is a test double for Session.
//
// Script maps a command to the replies it produces; each call advances
// through the list and the last element repeats once it is exhausted,
// simulating a steady state. Commands missing from Script get an
// ERR UNKNOWN-COMMAND reply. Close unblocks any delayed reply.
type FakeSession struct {
	mu     sync.Mutex
	Script map[string][]Reply
	Calls  []string
	Closed bool

	counts map[string]int
	done   chan struct{}
}

// Command returns the next scripted reply for cmd.
func (s *FakeSession) Command(cmd string) ([]string, error) {
	s.mu.Lock()
	s.init()
	s.Calls = append(s.Calls, cmd)
	if s.Closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	replies := s.Script[cmd]
	idx := s.counts[cmd]
	s.counts[cmd]++
	done := s.done
	s.mu.Unlock()

	if len(replies) == 0 {
		return nil, &ProtocolError{Code: "UNKNOWN-COMMAND", Line: "ERR UNKNOWN-COMMAND"}
	}
	if idx >= len(replies) {
		idx = len(replies) - 1
	}
	r := replies[idx]
	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-done:
			return nil, errors.New("fake: session closed while waiting")
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	out := make([]string, len(r.Lines))
	copy(out, r.Lines)
	return out, nil
}

// Close records that the session was closed.
func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	if !s.Closed {
		s.Closed = true
		close(s.done)
	}
	return nil
}

// CallCount returns how many times cmd was sent.
func (s *FakeSession) CallCount(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Calls {
		if c == cmd {
			n++
		}
	}
	return n
}

// IsClosed reports whether Close was called since the last reopen.
func (s *FakeSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closed
}

func (s *FakeSession) init() {
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	if s.done == nil {
		s.done = make(chan struct{})
	}
}

// reopen makes a closed fake usable again, as a fresh TCP session would be.
func (s *FakeSession) reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		s.Closed = false
		s.done = make(chan struct{})
	}
}

// FakeDialer is a test double for Dialer. Sessions and Errs are keyed by
// Endpoint.Key(); an endpoint with neither is refused.
type FakeDialer struct {
	mu       sync.Mutex
	Sessions map[string]*FakeSession
	Errs     map[string]error
	Delay    time.Duration

	dials map[string]int
}

// Dial hands out the scripted session for ep.
func (d *FakeDialer) Dial(ctx context.Context, ep Endpoint) (Session, error) {
	key := ep.Key()
	d.mu.Lock()
	if d.dials == nil {
		d.dials = make(map[string]int)
	}
	d.dials[key]++
	delay := d.Delay
	err := d.Errs[key]
	s := d.Sessions[key]
	d.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("dial tcp %s: connect: connection refused", key)
	}
	s.reopen()
	return s, nil
}

// DialCount returns the number of Dial calls for key.
func (d *FakeDialer) DialCount(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[key]
}

// ---- Reply builders ---------------------------------------------------------

// DeviceListReply builds a LIST UPS reply. Each device is "name" or
// "name=description".
func DeviceListReply(devices ...string) []string {
	lines := []string{"BEGIN " + EncodeListUPS()}
	for _, d := range devices {
		name, desc, ok := strings.Cut(d, "=")
		if !ok {
			desc = "Unavailable"
		}
		lines = append(lines, fmt.Sprintf("UPS %s %s", name, quote(desc)))
	}
	return append(lines, "END "+EncodeListUPS())
}

// VariableListReply builds a LIST VAR reply with variables in name order.
func VariableListReply(device string, vars map[string]string) []string {
	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)

	lines := []string{"BEGIN " + EncodeListVars(device)}
	for _, n := range names {
		lines = append(lines, fmt.Sprintf("VAR %s %s %s", device, n, quote(vars[n])))
	}
	return append(lines, "END "+EncodeListVars(device))
}
