package nut

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultCommandTimeout bounds every command round trip.
const DefaultCommandTimeout = 5 * time.Second

// Manager owns at most one Conn per endpoint key. Connections are opened
// lazily by Acquire, never health-checked, and evicted as soon as a
// command fails at the transport level; the next Acquire reconnects.
type Manager struct {
	dialer         Dialer
	commandTimeout time.Duration
	log            *zap.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool

	connecting singleflight.Group
}

// NewManager returns a Manager dialing through d. A zero commandTimeout
// uses DefaultCommandTimeout.
func NewManager(d Dialer, commandTimeout time.Duration, log *zap.Logger) *Manager {
	if commandTimeout <= 0 {
		commandTimeout = DefaultCommandTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		dialer:         d,
		commandTimeout: commandTimeout,
		log:            log,
		conns:          make(map[string]*Conn),
	}
}

// Acquire returns the cached Ready connection for ep, or opens one.
// Concurrent callers for the same key share a single dial. Failures are
// returned as *ConnectionError and are not retried here.
func (m *Manager) Acquire(ctx context.Context, ep Endpoint) (*Conn, error) {
	key := ep.Key()
	if c, err := m.cached(key); c != nil || err != nil {
		return c, err
	}

	ch := m.connecting.DoChan(key, func() (interface{}, error) {
		// The dial must outlive a cancelled first caller because others
		// may be waiting on it; both dialers bound it with DialTimeout.
		return m.open(context.WithoutCancel(ctx), ep)
	})

	select {
	case <-ctx.Done():
		return nil, &ConnectionError{Endpoint: key, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	}
}

func (m *Manager) cached(key string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &ConnectionError{Endpoint: key, Err: ErrClosed}
	}
	if c, ok := m.conns[key]; ok && c.Ready() {
		return c, nil
	}
	return nil, nil
}

func (m *Manager) open(ctx context.Context, ep Endpoint) (*Conn, error) {
	key := ep.Key()
	// A caller that missed the cache may arrive just after a previous
	// dial for this key finished.
	if c, err := m.cached(key); c != nil || err != nil {
		return c, err
	}

	c := newConn(key, m.commandTimeout, m.evict)
	session, err := m.dialer.Dial(ctx, ep)
	if err != nil {
		m.log.Warn("nut connect failed", zap.String("endpoint", key), zap.Error(err))
		var cerr *ConnectionError
		if errors.As(err, &cerr) {
			return nil, cerr
		}
		return nil, &ConnectionError{Endpoint: key, Err: err}
	}
	c.ready(session)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = session.Close()
		return nil, &ConnectionError{Endpoint: key, Err: ErrClosed}
	}
	m.conns[key] = c
	m.mu.Unlock()

	m.log.Debug("nut connection opened", zap.String("endpoint", key))
	return c, nil
}

// evict drops c from the cache if it is still the cached Conn for its key.
func (m *Manager) evict(c *Conn, cause error) {
	m.mu.Lock()
	if cur, ok := m.conns[c.key]; ok && cur == c {
		delete(m.conns, c.key)
	}
	m.mu.Unlock()
	if !errors.Is(cause, ErrClosed) {
		m.log.Warn("nut connection evicted", zap.String("endpoint", c.key), zap.Error(cause))
	}
}

// Len returns the number of cached connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes every cached connection. Later Acquire calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
