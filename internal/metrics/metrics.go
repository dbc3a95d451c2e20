// Package metrics exposes each PollResult as Prometheus series. Readings
// that a poll could not take are removed rather than reported as zero.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/nut-dashboard/internal/poller"
	"github.com/sweeney/nut-dashboard/internal/ups"
)

const namespace = "nut_dashboard_"

var deviceLabels = []string{"server", "device"}

// reading pairs a per-device gauge with the snapshot field feeding it.
type reading struct {
	name  string
	vec   *prometheus.GaugeVec
	value func(ups.DeviceSnapshot) *float64
}

// Recorder is a poller.Sink keeping one registry of device and poll
// series. It is safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	readings  []reading
	deviceUp  *prometheus.GaugeVec
	onBattery *prometheus.GaugeVec
	serverUp  *prometheus.GaugeVec
	snapshots *prometheus.GaugeVec

	polls        prometheus.Counter
	pollDuration prometheus.Histogram

	mu   sync.Mutex
	seen map[[2]string]struct{} // server, device pairs from the last poll
}

// NewRecorder registers every series on a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	reg := prometheus.WrapRegistererWithPrefix(namespace, registry)

	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
		reg.MustRegister(vec)
		return vec
	}

	r := &Recorder{
		registry:  registry,
		deviceUp:  gauge("device_up", "1 when the device's last poll returned readings, 0 on Unknown or Error.", deviceLabels...),
		onBattery: gauge("on_battery", "1 when ups.status contains OB.", deviceLabels...),
		serverUp:  gauge("server_up", "1 when the NUT server was reached and listed its devices.", "server"),
		snapshots: gauge("snapshots", "Devices returned by the server in the last poll.", "server"),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polls_total",
			Help: "Completed poll cycles.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "poll_duration_seconds",
			Help:    "Wall time of a poll across all servers.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		seen: make(map[[2]string]struct{}),
	}
	reg.MustRegister(r.polls, r.pollDuration)

	add := func(name, help string, value func(ups.DeviceSnapshot) *float64) {
		r.readings = append(r.readings, reading{name: name, vec: gauge(name, help, deviceLabels...), value: value})
	}
	add("battery_charge_percent", "battery.charge", func(s ups.DeviceSnapshot) *float64 { return s.BatteryCharge })
	add("battery_voltage_volts", "battery.voltage", func(s ups.DeviceSnapshot) *float64 { return s.BatteryVoltage })
	add("input_voltage_volts", "input.voltage", func(s ups.DeviceSnapshot) *float64 { return s.InputVoltage })
	add("output_voltage_volts", "output.voltage", func(s ups.DeviceSnapshot) *float64 { return s.OutputVoltage })
	add("load_percent", "ups.load", func(s ups.DeviceSnapshot) *float64 { return s.Load })
	add("load_watts", "ups.load as a share of ups.realpower.nominal.", func(s ups.DeviceSnapshot) *float64 { return s.LoadWatts })
	add("runtime_remaining_minutes", "battery.runtime in minutes.", func(s ups.DeviceSnapshot) *float64 { return s.RuntimeRemaining })
	add("temperature_celsius", "ups.temperature", func(s ups.DeviceSnapshot) *float64 { return s.Temperature })
	return r
}

// Handle records r. Devices missing from r since the previous poll have
// their series removed.
func (r *Recorder) Handle(_ context.Context, res poller.PollResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[[2]string]struct{}, len(res.Snapshots))
	for _, s := range res.Snapshots {
		current[[2]string{s.ServerID, s.Device}] = struct{}{}
		r.recordDevice(s)
	}
	for key := range r.seen {
		if _, ok := current[key]; !ok {
			r.deleteDevice(key[0], key[1])
		}
	}
	r.seen = current

	for _, st := range res.Servers {
		up := 0.0
		if st.OK() {
			up = 1
		}
		r.serverUp.WithLabelValues(st.ID).Set(up)
		r.snapshots.WithLabelValues(st.ID).Set(float64(st.Devices))
	}

	r.polls.Inc()
	if d := res.Duration(); d > 0 {
		r.pollDuration.Observe(d.Seconds())
	}
	return nil
}

func (r *Recorder) recordDevice(s ups.DeviceSnapshot) {
	for _, rd := range r.readings {
		if v := rd.value(s); v != nil {
			rd.vec.WithLabelValues(s.ServerID, s.Device).Set(*v)
		} else {
			rd.vec.DeleteLabelValues(s.ServerID, s.Device)
		}
	}
	up := 1.0
	if s.Status == ups.StatusUnknown || s.Status == ups.StatusError {
		up = 0
	}
	r.deviceUp.WithLabelValues(s.ServerID, s.Device).Set(up)
	r.onBattery.WithLabelValues(s.ServerID, s.Device).Set(boolFloat(s.OnBattery))
}

func (r *Recorder) deleteDevice(server, device string) {
	for _, rd := range r.readings {
		rd.vec.DeleteLabelValues(server, device)
	}
	r.deviceUp.DeleteLabelValues(server, device)
	r.onBattery.DeleteLabelValues(server, device)
}

// Registry returns the registry series are registered on.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
