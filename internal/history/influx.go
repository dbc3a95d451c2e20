package history

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// DefaultMeasurement is used when InfluxConfig.Measurement is empty.
const DefaultMeasurement = "ups_battery"

// InfluxConfig holds connection settings for NewInfluxWriter.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// InfluxWriter writes points to InfluxDB v2.
type InfluxWriter struct {
	client      influxdb2.Client
	api         api.WriteAPIBlocking
	measurement string
}

// NewInfluxWriter creates the client. Nothing is sent until the first
// write; call Close when done.
func NewInfluxWriter(cfg InfluxConfig) *InfluxWriter {
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxWriter{
		client:      client,
		api:         client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
	}
}

// Health checks that InfluxDB is reachable.
func (w *InfluxWriter) Health(ctx context.Context) error {
	_, err := w.client.Health(ctx)
	return err
}

func (w *InfluxWriter) WritePoints(ctx context.Context, points []Point) error {
	out := make([]*write.Point, len(points))
	for i, p := range points {
		out[i] = w.point(p)
	}
	if err := w.api.WritePoint(ctx, out...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (w *InfluxWriter) point(p Point) *write.Point {
	wp := influxdb2.NewPointWithMeasurement(w.measurement).
		AddTag("server", p.ServerID).
		AddTag("device", p.Device).
		AddField("charge", p.Charge).
		AddField("status", p.Status).
		SetTime(p.Time)
	if p.Runtime != nil {
		wp.AddField("runtime_minutes", *p.Runtime)
	}
	if p.Load != nil {
		wp.AddField("load", *p.Load)
	}
	return wp
}

func (w *InfluxWriter) Close() { w.client.Close() }
