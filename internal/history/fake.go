package history

import (
	"context"
	"sync"
)

// FakeWriter records points in memory for tests.
type FakeWriter struct {
	mu     sync.Mutex
	Points []Point
	Err    error // returned by WritePoints when set
	Closed bool
}

func (f *FakeWriter) WritePoints(_ context.Context, points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Points = append(f.Points, points...)
	return nil
}

func (f *FakeWriter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
}

// Written returns a copy of every recorded point.
func (f *FakeWriter) Written() []Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Point, len(f.Points))
	copy(out, f.Points)
	return out
}
