package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/nut-dashboard/internal/nut"
	"github.com/sweeney/nut-dashboard/internal/ups"
)

// ServerStatus is the outcome of polling one endpoint.
type ServerStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
	Devices int    `json:"devices"`
	Error   string `json:"error,omitempty"`
}

// OK reports whether the server was reached and listed.
func (s ServerStatus) OK() bool { return s.Error == "" }

// PollResult is everything one PollAll produced. Snapshots are grouped by
// server in endpoint order; within a server they follow upsd's device list.
type PollResult struct {
	ID         string               `json:"poll_id"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Servers    []ServerStatus       `json:"servers"`
	Snapshots  []ups.DeviceSnapshot `json:"systems"`
}

// Duration is how long the poll took.
func (r PollResult) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// serverAggregator is the part of Aggregator the Poller depends on.
type serverAggregator interface {
	aggregate(ctx context.Context, ep nut.Endpoint) ([]ups.DeviceSnapshot, error)
}

// Poller runs an Aggregator against every endpoint concurrently.
type Poller struct {
	agg         serverAggregator
	concurrency int
	log         *zap.Logger
	now         func() time.Time
}

// New returns a Poller. concurrency bounds simultaneous servers; zero
// means one goroutine per endpoint.
func New(agg *Aggregator, concurrency int, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{agg: agg, concurrency: concurrency, log: log, now: time.Now}
}

// PollAll aggregates every endpoint and merges the snapshots. A server
// that fails or panics contributes no snapshots and never affects the
// others; PollAll itself cannot fail.
func (p *Poller) PollAll(ctx context.Context, endpoints []nut.Endpoint) PollResult {
	res := PollResult{ID: uuid.NewString(), StartedAt: p.now()}
	log := p.log.With(zap.String("poll_id", res.ID))

	perServer := make([][]ups.DeviceSnapshot, len(endpoints))
	statuses := make([]ServerStatus, len(endpoints))

	var g errgroup.Group
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}
	for i, ep := range endpoints {
		g.Go(func() error {
			perServer[i], statuses[i] = p.server(ctx, ep, log)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, snaps := range perServer {
		total += len(snaps)
	}
	res.Snapshots = make([]ups.DeviceSnapshot, 0, total)
	for _, snaps := range perServer {
		res.Snapshots = append(res.Snapshots, snaps...)
	}
	res.Servers = statuses
	res.FinishedAt = p.now()

	log.Debug("poll complete",
		zap.Int("servers", len(endpoints)),
		zap.Int("snapshots", total),
		zap.Duration("took", res.Duration()))
	return res
}

func (p *Poller) server(ctx context.Context, ep nut.Endpoint, log *zap.Logger) (snaps []ups.DeviceSnapshot, st ServerStatus) {
	st = ServerStatus{ID: ep.ServerID(), Name: ep.Name, Address: ep.Address()}
	log = log.With(zap.String("server", st.ID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic recovered", zap.Any("panic", r), zap.Stack("stack"))
			snaps = nil
			st.Devices = 0
			st.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	snaps, err := p.agg.aggregate(ctx, ep)
	if err != nil {
		log.Warn("nut server unavailable", zap.String("endpoint", st.Address), zap.Error(err))
		st.Error = err.Error()
		return nil, st
	}
	st.Devices = len(snaps)
	return snaps, st
}
