// Package config loads and merges configuration from a TOML file, an
// optional .env file and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NUT_DASHBOARD_"

// EnvFile is the dotenv file Load reads before applying overrides. A
// missing file is not an error.
var EnvFile = ".env"

// DefaultPaths are searched in order by the binary when no -config flag is
// given.
var DefaultPaths = []string{"/etc/nut-dashboard/config.toml", "./config.toml"}

// Duration wraps time.Duration so that BurntSushi/toml can decode "30s"-style
// strings via the encoding.TextUnmarshaler interface.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// HTTPConfig holds the dashboard API listener settings.
type HTTPConfig struct {
	Listen         string   `toml:"listen"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// NUTConfig holds Network UPS Tools client settings shared by all servers.
type NUTConfig struct {
	Transport         string   `toml:"transport"` // "native" or "gonut"
	CommandTimeout    Duration `toml:"command_timeout"`
	DialTimeout       Duration `toml:"dial_timeout"`
	RetryAttempts     int      `toml:"retry_attempts"`
	RetryDelay        Duration `toml:"retry_delay"`
	DeviceConcurrency int      `toml:"device_concurrency"`
}

// ServerConfig is one upsd instance to poll.
type ServerConfig struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DeviceConfig registers a device under a local display name.
type DeviceConfig struct {
	Name   string `toml:"name"`
	Server string `toml:"server"`
	UPS    string `toml:"ups"`
}

// MQTTConfig holds MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool   `toml:"enabled"`
	Broker      string `toml:"broker"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
	Retained    bool   `toml:"retained"`
	QOS         byte   `toml:"qos"`
	TLSCACert   string `toml:"tls_ca_cert"`
}

// InfluxConfig holds the battery-history sink settings.
type InfluxConfig struct {
	Enabled     bool   `toml:"enabled"`
	URL         string `toml:"url"`
	Token       string `toml:"token"`
	Org         string `toml:"org"`
	Bucket      string `toml:"bucket"`
	Measurement string `toml:"measurement"`
}

// RedisConfig holds the status store settings.
type RedisConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// Config is the top-level configuration struct.
type Config struct {
	HTTP    HTTPConfig     `toml:"http"`
	NUT     NUTConfig      `toml:"nut"`
	Servers []ServerConfig `toml:"servers"`
	Devices []DeviceConfig `toml:"devices"`
	MQTT    MQTTConfig     `toml:"mqtt"`
	Influx  InfluxConfig   `toml:"influx"`
	Redis   RedisConfig    `toml:"redis"`
	Log     LogConfig      `toml:"log"`
}

// Load reads config from the first existing path in paths, loads EnvFile
// into the environment, then applies NUT_DASHBOARD_* overrides. Missing
// files are skipped silently; a malformed file returns an error. Calling
// Load() with no arguments returns pure defaults plus any env overrides.
func Load(paths ...string) (*Config, error) {
	cfg := defaults()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, statErr := os.Stat(path); statErr == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %q: %w", path, err)
			}
			break // first found file wins
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("checking config path %q: %w", path, statErr)
		}
	}

	if EnvFile != "" {
		if err := godotenv.Load(EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", EnvFile, err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.normalise()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Listen:         ":8080",
			RequestTimeout: Duration{30 * time.Second},
		},
		NUT: NUTConfig{
			Transport:         "native",
			CommandTimeout:    Duration{5 * time.Second},
			DialTimeout:       Duration{5 * time.Second},
			RetryAttempts:     3,
			RetryDelay:        Duration{500 * time.Millisecond},
			DeviceConcurrency: 4,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "nut-dashboard",
			TopicPrefix: "nut",
			Retained:    true,
			QOS:         1,
		},
		Influx: InfluxConfig{
			Measurement: "ups_battery",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "nut-dashboard",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// normalise fills per-server defaults the TOML decoder cannot express.
func (c *Config) normalise() {
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Port == 0 {
			s.Port = 3493
		}
		if s.ID == "" && s.Host != "" {
			s.ID = s.Address()
		}
		if s.Name == "" {
			s.Name = s.ID
		}
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	ids := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if strings.TrimSpace(s.Host) == "" {
			return fmt.Errorf("servers[%d]: host is required", i)
		}
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("servers[%d] %q: port %d out of range", i, s.ID, s.Port)
		}
		if ids[s.ID] {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
		}
		ids[s.ID] = true
	}
	for i, d := range c.Devices {
		if d.UPS == "" {
			return fmt.Errorf("devices[%d] %q: ups is required", i, d.Name)
		}
		if !ids[d.Server] {
			return fmt.Errorf("devices[%d] %q: unknown server %q", i, d.Name, d.Server)
		}
	}
	switch c.NUT.Transport {
	case "native", "gonut":
	default:
		return fmt.Errorf("nut.transport %q: want native or gonut", c.NUT.Transport)
	}
	if c.NUT.RetryAttempts < 1 {
		return fmt.Errorf("nut.retry_attempts must be at least 1, got %d", c.NUT.RetryAttempts)
	}
	if c.NUT.DeviceConcurrency < 1 {
		return fmt.Errorf("nut.device_concurrency must be at least 1, got %d", c.NUT.DeviceConcurrency)
	}
	if c.MQTT.Enabled && c.MQTT.QOS > 2 {
		return fmt.Errorf("mqtt.qos %d: want 0, 1 or 2", c.MQTT.QOS)
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Bucket == "") {
		return errors.New("influx: url and bucket are required when enabled")
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		zap.L().Warn("config: ignoring invalid env override", zap.String("var", EnvPrefix+name), zap.String("value", v), zap.Error(err))
		return
	}
	*dst = b
}

func envInt(name string, dst *int) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		zap.L().Warn("config: ignoring invalid env override", zap.String("var", EnvPrefix+name), zap.String("value", v), zap.Error(err))
		return
	}
	*dst = n
}

func envDuration(name string, dst *Duration) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		zap.L().Warn("config: ignoring invalid env override", zap.String("var", EnvPrefix+name), zap.String("value", v), zap.Error(err))
		return
	}
	*dst = Duration{d}
}

// applyEnvOverrides copies any set NUT_DASHBOARD_* environment variables into cfg.
func applyEnvOverrides(cfg *Config) {
	envString("HTTP_LISTEN", &cfg.HTTP.Listen)
	envDuration("HTTP_REQUEST_TIMEOUT", &cfg.HTTP.RequestTimeout)

	envString("NUT_TRANSPORT", &cfg.NUT.Transport)
	envDuration("NUT_COMMAND_TIMEOUT", &cfg.NUT.CommandTimeout)
	envDuration("NUT_DIAL_TIMEOUT", &cfg.NUT.DialTimeout)
	envInt("NUT_RETRY_ATTEMPTS", &cfg.NUT.RetryAttempts)
	envDuration("NUT_RETRY_DELAY", &cfg.NUT.RetryDelay)
	envInt("NUT_DEVICE_CONCURRENCY", &cfg.NUT.DeviceConcurrency)

	envBool("MQTT_ENABLED", &cfg.MQTT.Enabled)
	envString("MQTT_BROKER", &cfg.MQTT.Broker)
	envString("MQTT_USERNAME", &cfg.MQTT.Username)
	envString("MQTT_PASSWORD", &cfg.MQTT.Password)
	envString("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	envString("MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix)
	envBool("MQTT_RETAINED", &cfg.MQTT.Retained)
	if v := os.Getenv(EnvPrefix + "MQTT_QOS"); v != "" {
		if q, err := strconv.ParseUint(v, 10, 8); err == nil {
			cfg.MQTT.QOS = byte(q)
		} else {
			zap.L().Warn("config: ignoring invalid env override", zap.String("var", EnvPrefix+"MQTT_QOS"), zap.String("value", v), zap.Error(err))
		}
	}
	envString("MQTT_TLS_CA_CERT", &cfg.MQTT.TLSCACert)

	envBool("INFLUX_ENABLED", &cfg.Influx.Enabled)
	envString("INFLUX_URL", &cfg.Influx.URL)
	envString("INFLUX_TOKEN", &cfg.Influx.Token)
	envString("INFLUX_ORG", &cfg.Influx.Org)
	envString("INFLUX_BUCKET", &cfg.Influx.Bucket)

	envBool("REDIS_ENABLED", &cfg.Redis.Enabled)
	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)

	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FORMAT", &cfg.Log.Format)
}
