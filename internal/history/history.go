// Package history records battery readings over time so charge and
// runtime trends survive beyond the current poll.
package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/nut-dashboard/internal/poller"
	"github.com/sweeney/nut-dashboard/internal/ups"
)

// Point is one battery reading. Runtime and Load are optional.
type Point struct {
	ServerID string
	Device   string
	Status   string
	Charge   float64
	Runtime  *float64 // minutes
	Load     *float64
	Time     time.Time
}

// Writer persists points.
type Writer interface {
	WritePoints(ctx context.Context, points []Point) error
	Close()
}

// PointFromSnapshot returns the history point for s, or false when s has
// no battery charge reading.
func PointFromSnapshot(s ups.DeviceSnapshot) (Point, bool) {
	if s.BatteryCharge == nil {
		return Point{}, false
	}
	return Point{
		ServerID: s.ServerID,
		Device:   s.Device,
		Status:   s.Status,
		Charge:   *s.BatteryCharge,
		Runtime:  s.RuntimeRemaining,
		Load:     s.Load,
		Time:     s.PolledAt,
	}, true
}

// Recorder is a poller.Sink appending one point per snapshot with a
// charge reading.
type Recorder struct {
	w   Writer
	log *zap.Logger
}

// NewRecorder returns a Recorder writing through w.
func NewRecorder(w Writer, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{w: w, log: log}
}

// Handle writes one point per snapshot carrying a battery charge reading.
func (r *Recorder) Handle(ctx context.Context, res poller.PollResult) error {
	points := make([]Point, 0, len(res.Snapshots))
	for _, s := range res.Snapshots {
		if p, ok := PointFromSnapshot(s); ok {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return nil
	}
	if err := r.w.WritePoints(ctx, points); err != nil {
		return fmt.Errorf("writing %d history points: %w", len(points), err)
	}
	r.log.Debug("history written", zap.String("poll_id", res.ID), zap.Int("points", len(points)))
	return nil
}
