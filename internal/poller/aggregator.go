// Package poller turns configured NUT endpoints into DeviceSnapshots: the
// Aggregator reads every device of one server, the Poller fans that out
// across servers.
package poller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/nut-dashboard/internal/nut"
	"github.com/sweeney/nut-dashboard/internal/ups"
)

// DefaultDeviceConcurrency bounds in-flight variable fetches per server.
const DefaultDeviceConcurrency = 4

// Fetcher reads devices and variables over a connection. *nut.Fetcher
// satisfies it.
type Fetcher interface {
	ListDevices(ctx context.Context, c nut.Commander) ([]nut.DeviceInfo, error)
	FetchVariables(ctx context.Context, c nut.Commander, device string) (nut.VariableSet, error)
}

// Aggregator produces one snapshot per device listed by a server.
type Aggregator struct {
	manager     *nut.Manager
	fetcher     Fetcher
	concurrency int
	log         *zap.Logger
	now         func() time.Time
}

// NewAggregator returns an Aggregator acquiring connections from m.
// concurrency <= 0 selects DefaultDeviceConcurrency.
func NewAggregator(m *nut.Manager, f Fetcher, concurrency int, log *zap.Logger) *Aggregator {
	if concurrency <= 0 {
		concurrency = DefaultDeviceConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{manager: m, fetcher: f, concurrency: concurrency, log: log, now: time.Now}
}

// AggregateServer returns the snapshots of every device on ep, in the
// order upsd listed them. If the server cannot be reached or its device
// list cannot be read the result is empty; the failure is logged.
func (a *Aggregator) AggregateServer(ctx context.Context, ep nut.Endpoint) []ups.DeviceSnapshot {
	snaps, err := a.aggregate(ctx, ep)
	if err != nil {
		a.log.Warn("nut server unavailable",
			zap.String("server", ep.ServerID()),
			zap.String("endpoint", ep.Address()),
			zap.Error(err))
		return []ups.DeviceSnapshot{}
	}
	return snaps
}

// aggregate is AggregateServer with the server-level error kept for the
// Poller's per-server status.
func (a *Aggregator) aggregate(ctx context.Context, ep nut.Endpoint) ([]ups.DeviceSnapshot, error) {
	conn, err := a.manager.Acquire(ctx, ep)
	if err != nil {
		return nil, err
	}
	devices, err := a.fetcher.ListDevices(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("listing devices on %s: %w", ep.Address(), err)
	}

	log := a.log.With(zap.String("server", ep.ServerID()))
	out := make([]ups.DeviceSnapshot, len(devices))

	// A plain Group: one device failing must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, d := range devices {
		g.Go(func() error {
			out[i] = a.device(ctx, conn, ep, d, log.With(zap.String("device", d.Name)))
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// device never fails: errors and panics become an Error snapshot.
func (a *Aggregator) device(ctx context.Context, c nut.Commander, ep nut.Endpoint, d nut.DeviceInfo, log *zap.Logger) (snap ups.DeviceSnapshot) {
	src := ups.Source{
		ServerID:    ep.ServerID(),
		ServerName:  ep.Name,
		Device:      d.Name,
		Description: d.Description,
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic recovered", zap.Any("panic", r), zap.Stack("stack"))
			snap = ups.ErrorSnapshot(src, fmt.Errorf("panic: %v", r), a.now())
		}
	}()

	vars, err := a.fetcher.FetchVariables(ctx, c, d.Name)
	if err != nil {
		log.Warn("nut device fetch failed", zap.Error(err))
		return ups.ErrorSnapshot(src, err, a.now())
	}
	return ups.FromVariables(src, vars, a.now())
}
