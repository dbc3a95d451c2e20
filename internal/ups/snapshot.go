// Package ups maps raw NUT variables onto the typed DeviceSnapshot the
// dashboard serves. It is pure: no I/O, safe from any goroutine.
package ups

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Status values used when no reading could be taken.
const (
	StatusUnknown = "Unknown"
	StatusError   = "Error"
)

// Source identifies where a snapshot came from.
type Source struct {
	ServerID    string
	ServerName  string
	Device      string // protocol name, e.g. "cyberpower"
	Description string // LIST UPS description
}

// DeviceSnapshot is one point-in-time reading of a UPS. Numeric readings
// are nil when the variable was absent or unparsable; zero is a real
// reading. Snapshots are values: build a new one each poll.
type DeviceSnapshot struct {
	ServerID    string `json:"server_id"`
	ServerName  string `json:"server_name,omitempty"`
	Device      string `json:"device"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Serial       string `json:"serial,omitempty"`

	Status        string `json:"status"`
	StatusDisplay string `json:"status_display"`
	OnBattery     bool   `json:"on_battery"`
	LowBattery    bool   `json:"low_battery"`

	BatteryCharge       *float64 `json:"battery_charge"`
	BatteryVoltage      *float64 `json:"battery_voltage"`
	InputVoltage        *float64 `json:"input_voltage"`
	InputVoltageNominal *float64 `json:"input_voltage_nominal"`
	InputDeviationPct   *float64 `json:"input_voltage_deviation_pct"`
	OutputVoltage       *float64 `json:"output_voltage"`
	Load                *float64 `json:"load"`
	RealPowerNominal    *float64 `json:"realpower_nominal"`
	LoadWatts           *float64 `json:"load_watts"`
	RuntimeRemaining    *float64 `json:"runtime_remaining"` // minutes
	RuntimeLow          *float64 `json:"runtime_low"`       // minutes
	Temperature         *float64 `json:"temperature,omitempty"`

	Error    string    `json:"error,omitempty"`
	PolledAt time.Time `json:"polled_at"`
}

// Key identifies the device across polls: server id and protocol name.
func (s DeviceSnapshot) Key() string { return s.ServerID + "/" + s.Device }

// statusTokens maps NUT status tokens to human-readable labels.
var statusTokens = map[string]string{
	"OL":      "Online",
	"OB":      "On Battery",
	"LB":      "Low Battery",
	"HB":      "High Battery",
	"RB":      "Replace Battery",
	"CHRG":    "Charging",
	"DISCHRG": "Discharging",
	"BYPASS":  "Bypass",
	"CAL":     "Calibrating",
	"OFF":     "Offline",
	"OVER":    "Overloaded",
	"TRIM":    "Trimming",
	"BOOST":   "Boosting",
	"FSD":     "Forced Shutdown",
}

// FromVariables builds the snapshot for one device. An empty vars (a
// degraded fetch) yields status Unknown with every reading nil.
func FromVariables(src Source, vars map[string]string, at time.Time) DeviceSnapshot {
	s := base(src, at)
	if len(vars) == 0 {
		return s
	}

	s.Model = first(vars, "device.model", "ups.model")
	s.Manufacturer = first(vars, "device.mfr", "ups.mfr")
	s.Serial = first(vars, "device.serial", "ups.serial")

	if status := strings.TrimSpace(vars["ups.status"]); status != "" {
		s.Status = status
		s.StatusDisplay = StatusDisplay(status)
		s.OnBattery = hasStatusToken(status, "OB")
		s.LowBattery = hasStatusToken(status, "LB")
	}

	s.BatteryCharge = parseFloat(vars["battery.charge"])
	s.BatteryVoltage = parseFloat(vars["battery.voltage"])
	s.InputVoltage = parseFloat(vars["input.voltage"])
	s.InputVoltageNominal = parseFloat(vars["input.voltage.nominal"])
	s.InputDeviationPct = deviationPct(s.InputVoltage, s.InputVoltageNominal)
	s.OutputVoltage = parseFloat(vars["output.voltage"])
	s.Load = parseFloat(vars["ups.load"])
	s.RealPowerNominal = parseFloat(vars["ups.realpower.nominal"])
	s.LoadWatts = loadWatts(s.Load, s.RealPowerNominal)
	s.RuntimeRemaining = minutes(parseFloat(vars["battery.runtime"]))
	s.RuntimeLow = minutes(parseFloat(vars["battery.runtime.low"]))
	s.Temperature = parseFloat(first(vars, "ups.temperature", "battery.temperature"))
	return s
}

// ErrorSnapshot is the placeholder for a device whose retrieval failed.
func ErrorSnapshot(src Source, err error, at time.Time) DeviceSnapshot {
	s := base(src, at)
	s.Status = StatusError
	s.StatusDisplay = StatusError
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

func base(src Source, at time.Time) DeviceSnapshot {
	name := src.Device
	if d := strings.TrimSpace(src.Description); d != "" && d != "Unavailable" {
		name = d
	}
	return DeviceSnapshot{
		ServerID:      src.ServerID,
		ServerName:    src.ServerName,
		Device:        src.Device,
		Name:          name,
		Description:   src.Description,
		Status:        StatusUnknown,
		StatusDisplay: StatusUnknown,
		PolledAt:      at,
	}
}

// StatusDisplay decodes a space-separated NUT status ("OB DISCHRG") into
// labels ("On Battery, Discharging"). Unknown tokens pass through.
func StatusDisplay(status string) string {
	tokens := strings.Fields(status)
	if len(tokens) == 0 {
		return StatusUnknown
	}
	decoded := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if name, ok := statusTokens[t]; ok {
			decoded = append(decoded, name)
		} else {
			decoded = append(decoded, t)
		}
	}
	return strings.Join(decoded, ", ")
}

func loadWatts(load, nominal *float64) *float64 {
	if load == nil || nominal == nil {
		return nil
	}
	return ptr(round2(*load / 100 * *nominal))
}

// deviationPct is (actual-nominal)/nominal*100, nil when nominal is zero.
func deviationPct(actual, nominal *float64) *float64 {
	if actual == nil || nominal == nil || *nominal == 0 {
		return nil
	}
	return ptr(round2((*actual - *nominal) / *nominal * 100))
}

func minutes(seconds *float64) *float64 {
	if seconds == nil {
		return nil
	}
	return ptr(round2(*seconds / 60))
}

// hasStatusToken reports whether the space-separated status string contains token.
func hasStatusToken(status, token string) bool {
	for _, t := range strings.Fields(status) {
		if t == token {
			return true
		}
	}
	return false
}

func first(vars map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(vars[k]); v != "" {
			return v
		}
	}
	return ""
}

// parseFloat converts a NUT value string, returning nil for empty,
// unparsable, NaN or infinite input.
func parseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func ptr(v float64) *float64 { return &v }
