package nut

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var testEndpoint = Endpoint{ID: "rack", Host: "10.0.0.5", Port: 3493}

func newTestManager(d Dialer, timeout time.Duration) *Manager {
	return NewManager(d, timeout, nil)
}

func scriptedSession() *FakeSession {
	return &FakeSession{Script: map[string][]Reply{
		"LIST UPS": {{Lines: DeviceListReply("ups1")}},
	}}
}

func TestEndpoint_KeyDefaultsPort(t *testing.T) {
	if got := (Endpoint{Host: "nas"}).Key(); got != "nas:3493" {
		t.Errorf("Key = %q, want nas:3493", got)
	}
	if got := (Endpoint{Host: "::1", Port: 3494}).Key(); got != "[::1]:3494" {
		t.Errorf("Key = %q, want [::1]:3494", got)
	}
}

func TestManager_Acquire_CachesConnection(t *testing.T) {
	d := &FakeDialer{Sessions: map[string]*FakeSession{testEndpoint.Key(): scriptedSession()}}
	m := newTestManager(d, time.Second)
	defer m.Close() //nolint:errcheck

	c1, err := m.Acquire(context.Background(), testEndpoint)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c2, err := m.Acquire(context.Background(), testEndpoint)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if c1 != c2 {
		t.Error("second Acquire should return the cached connection")
	}
	if c1.State() != StateReady {
		t.Errorf("State = %v, want ready", c1.State())
	}
	if n := d.DialCount(testEndpoint.Key()); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestManager_Acquire_ConcurrentCallersShareOneDial(t *testing.T) {
	d := &FakeDialer{
		Sessions: map[string]*FakeSession{testEndpoint.Key(): scriptedSession()},
		Delay:    50 * time.Millisecond,
	}
	m := newTestManager(d, time.Second)
	defer m.Close() //nolint:errcheck

	const callers = 8
	conns := make([]*Conn, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = m.Acquire(context.Background(), testEndpoint)
		}(i)
	}
	wg.Wait()

	for i := range conns {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if conns[i] != conns[0] {
			t.Errorf("caller %d got a different connection", i)
		}
	}
	if n := d.DialCount(testEndpoint.Key()); n != 1 {
		t.Errorf("dials = %d, want exactly 1", n)
	}
	if m.Len() != 1 {
		t.Errorf("cached connections = %d, want 1", m.Len())
	}
}

func TestManager_Acquire_DialFailure(t *testing.T) {
	d := &FakeDialer{} // no sessions: every dial is refused
	m := newTestManager(d, time.Second)

	_, err := m.Acquire(context.Background(), testEndpoint)
	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
	if cerr.Endpoint != testEndpoint.Key() {
		t.Errorf("Endpoint = %q, want %q", cerr.Endpoint, testEndpoint.Key())
	}
	if m.Len() != 0 {
		t.Error("failed dial must not be cached")
	}

	// No retry at this layer: one Acquire, one dial.
	if n := d.DialCount(testEndpoint.Key()); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestManager_Acquire_CallerContextCancelled(t *testing.T) {
	d := &FakeDialer{
		Sessions: map[string]*FakeSession{testEndpoint.Key(): scriptedSession()},
		Delay:    200 * time.Millisecond,
	}
	m := newTestManager(d, time.Second)
	defer m.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, testEndpoint)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if !IsConnectionError(err) {
		t.Error("cancelled Acquire should report a ConnectionError")
	}
}

func TestManager_TransportErrorEvictsAndReconnects(t *testing.T) {
	s := &FakeSession{Script: map[string][]Reply{
		"LIST UPS": {
			{Err: errors.New("read: connection reset by peer")},
			{Lines: DeviceListReply("ups1")},
		},
	}}
	d := &FakeDialer{Sessions: map[string]*FakeSession{testEndpoint.Key(): s}}
	m := newTestManager(d, time.Second)
	defer m.Close() //nolint:errcheck
	ctx := context.Background()

	c1, err := m.Acquire(ctx, testEndpoint)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := c1.Command(ctx, "LIST UPS"); !IsConnectionError(err) {
		t.Fatalf("Command err = %v, want ConnectionError", err)
	}
	if c1.State() != StateErrored {
		t.Errorf("State = %v, want errored", c1.State())
	}
	if m.Len() != 0 {
		t.Error("errored connection should be evicted immediately")
	}
	if !s.IsClosed() {
		t.Error("errored session should be closed")
	}
	if _, err := c1.Command(ctx, "LIST UPS"); !errors.Is(err, ErrClosed) {
		t.Errorf("command on evicted conn = %v, want ErrClosed", err)
	}

	c2, err := m.Acquire(ctx, testEndpoint)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if c2 == c1 {
		t.Error("re-Acquire should open a fresh connection")
	}
	if _, err := c2.Command(ctx, "LIST UPS"); err != nil {
		t.Errorf("Command on fresh conn: %v", err)
	}
	if n := d.DialCount(testEndpoint.Key()); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestManager_ProtocolErrorKeepsConnection(t *testing.T) {
	s := &FakeSession{Script: map[string][]Reply{
		"LIST VAR nope": {{Err: &ProtocolError{Code: "UNKNOWN-UPS", Line: "ERR UNKNOWN-UPS"}}},
	}}
	d := &FakeDialer{Sessions: map[string]*FakeSession{testEndpoint.Key(): s}}
	m := newTestManager(d, time.Second)
	defer m.Close() //nolint:errcheck

	c, err := m.Acquire(context.Background(), testEndpoint)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_, err = c.Command(context.Background(), "LIST VAR nope")
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
	if !c.Ready() || m.Len() != 1 {
		t.Error("an ERR reply must not evict the connection")
	}
}

func TestConn_CommandTimeoutEvicts(t *testing.T) {
	s := &FakeSession{Script: map[string][]Reply{
		"LIST UPS": {{Lines: DeviceListReply("ups1"), Delay: time.Second}},
	}}
	d := &FakeDialer{Sessions: map[string]*FakeSession{testEndpoint.Key(): s}}
	m := newTestManager(d, 20*time.Millisecond)
	defer m.Close() //nolint:errcheck

	c, err := m.Acquire(context.Background(), testEndpoint)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	start := time.Now()
	_, err = c.Command(context.Background(), "LIST UPS")
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Command took %v, timeout not enforced", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) || !IsConnectionError(err) {
		t.Fatalf("err = %v, want ConnectionError wrapping deadline exceeded", err)
	}
	if m.Len() != 0 {
		t.Error("timed-out connection should be evicted")
	}
}

func TestConn_CallerCancelKeepsConnection(t *testing.T) {
	s := &FakeSession{Script: map[string][]Reply{
		"LIST VAR ups1": {{Lines: VariableListReply("ups1", map[string]string{"ups.status": "OL"}), Delay: 100 * time.Millisecond}},
	}}
	d := &FakeDialer{Sessions: map[string]*FakeSession{testEndpoint.Key(): s}}
	m := newTestManager(d, 5*time.Second)
	defer m.Close() //nolint:errcheck

	c, err := m.Acquire(context.Background(), testEndpoint)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.Command(ctx, "LIST VAR ups1")
	if !errors.Is(err, context.DeadlineExceeded) || IsConnectionError(err) {
		t.Fatalf("err = %v, want the caller's deadline, not a connection error", err)
	}
	if elapsed := time.Since(start); elapsed > 80*time.Millisecond {
		t.Errorf("Command returned after %v, should return when the caller gives up", elapsed)
	}
	if !c.Ready() || m.Len() != 1 || s.IsClosed() {
		t.Fatalf("state = %v, cached = %d, closed = %v: a cancelled caller must not evict", c.State(), m.Len(), s.IsClosed())
	}

	// The next command waits for the abandoned reply, then runs normally.
	lines, err := c.Command(context.Background(), "LIST VAR ups1")
	if err != nil {
		t.Fatalf("Command after cancel: %v", err)
	}
	if vars, err := DecodeVariableList("ups1", lines); err != nil || vars["ups.status"] != "OL" {
		t.Errorf("vars = %v, err = %v", vars, err)
	}
	if n := d.DialCount(testEndpoint.Key()); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestConn_AbandonedCommandStillTimesOut(t *testing.T) {
	s := &FakeSession{Script: map[string][]Reply{
		"LIST UPS": {{Lines: DeviceListReply("ups1"), Delay: time.Second}},
	}}
	d := &FakeDialer{Sessions: map[string]*FakeSession{testEndpoint.Key(): s}}
	m := newTestManager(d, 50*time.Millisecond)
	defer m.Close() //nolint:errcheck

	c, err := m.Acquire(context.Background(), testEndpoint)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Command(ctx, "LIST UPS"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !c.Ready() {
		t.Fatal("a command refused before sending must leave the connection ready")
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := c.Command(ctx, "LIST UPS"); !errors.Is(err, context.DeadlineExceeded) || IsConnectionError(err) {
		t.Fatalf("err = %v, want the caller's deadline", err)
	}
	// Nobody is waiting any more, but the hung read still costs the connection.
	_, err = c.Command(context.Background(), "LIST UPS")
	if !IsConnectionError(err) {
		t.Fatalf("err = %v, want ConnectionError once the drained command timed out", err)
	}
	if c.State() != StateErrored || m.Len() != 0 {
		t.Errorf("state = %v, cached = %d, want errored and evicted", c.State(), m.Len())
	}
}

func TestManager_Close(t *testing.T) {
	s := scriptedSession()
	d := &FakeDialer{Sessions: map[string]*FakeSession{testEndpoint.Key(): s}}
	m := newTestManager(d, time.Second)

	c, err := m.Acquire(context.Background(), testEndpoint)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("State = %v, want closed", c.State())
	}
	if !s.IsClosed() {
		t.Error("session should be closed")
	}
	if _, err := m.Acquire(context.Background(), testEndpoint); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Close = %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}
