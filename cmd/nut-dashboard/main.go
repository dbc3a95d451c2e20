package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sweeney/nut-dashboard/internal/api"
	"github.com/sweeney/nut-dashboard/internal/config"
	"github.com/sweeney/nut-dashboard/internal/history"
	"github.com/sweeney/nut-dashboard/internal/metrics"
	"github.com/sweeney/nut-dashboard/internal/nut"
	"github.com/sweeney/nut-dashboard/internal/poller"
	"github.com/sweeney/nut-dashboard/internal/publisher"
	"github.com/sweeney/nut-dashboard/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default: /etc/nut-dashboard/config.toml, ./config.toml)")
	flag.Parse()

	boot, _ := zap.NewProduction()
	zap.ReplaceGlobals(boot)

	paths := config.DefaultPaths
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		boot.Fatal("loading config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatal("invalid config", zap.Error(err))
	}

	log, err := buildLogger(cfg.Log)
	if err != nil {
		boot.Fatal("building logger", zap.Error(err))
	}
	defer log.Sync() //nolint:errcheck
	zap.ReplaceGlobals(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	d, err := dialer(cfg.NUT)
	if err != nil {
		log.Fatal("selecting transport", zap.Error(err))
	}
	a, err := build(ctx, cfg, d, log)
	if err != nil {
		log.Fatal("starting", zap.Error(err))
	}
	defer a.Close()

	if err := serve(ctx, cfg.HTTP.Listen, a.handler, log); err != nil {
		log.Error("http server", zap.Error(err))
	}
	log.Info("shutting down")
}

// buildLogger turns [log] into a zap logger.
func buildLogger(c config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	switch c.Format {
	case "", "console":
	case "json":
		zc.Encoding = "json"
		zc.EncoderConfig = zap.NewProductionEncoderConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("log format %q: want console or json", c.Format)
	}
	return zc.Build()
}

// endpoints converts the configured servers for the poller.
func endpoints(servers []config.ServerConfig) []nut.Endpoint {
	out := make([]nut.Endpoint, len(servers))
	for i, s := range servers {
		out[i] = nut.Endpoint{
			ID:       s.ID,
			Name:     s.Name,
			Host:     s.Host,
			Port:     s.Port,
			Username: s.Username,
			Password: s.Password,
		}
	}
	return out
}

func dialer(c config.NUTConfig) (nut.Dialer, error) {
	switch c.Transport {
	case "", "native":
		return nut.TCPDialer{DialTimeout: c.DialTimeout.Duration, CommandTimeout: c.CommandTimeout.Duration}, nil
	case "gonut":
		return nut.GoNUTDialer{DialTimeout: c.DialTimeout.Duration}, nil
	}
	return nil, fmt.Errorf("unknown nut transport %q", c.Transport)
}

// app is the wired process: the HTTP handler and everything to release on
// the way out.
type app struct {
	handler http.Handler
	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(f func()) { a.closers = append(a.closers, f) }

// build wires the poller, its sinks and the API. An unreachable MQTT
// broker is fatal; Redis and InfluxDB degrade to a warning.
func build(ctx context.Context, cfg *config.Config, d nut.Dialer, log *zap.Logger) (*app, error) {
	a := &app{}

	manager := nut.NewManager(d, cfg.NUT.CommandTimeout.Duration, log.Named("nut"))
	a.onClose(func() { _ = manager.Close() })

	fetcher := nut.NewFetcher(cfg.NUT.RetryAttempts, cfg.NUT.RetryDelay.Duration, log.Named("nut"))
	agg := poller.NewAggregator(manager, fetcher, cfg.NUT.DeviceConcurrency, log.Named("poller"))
	p := poller.New(agg, 0, log.Named("poller"))

	rec := metrics.NewRecorder()
	sinks := []poller.Sink{rec}

	if cfg.MQTT.Enabled {
		pub, err := publisher.NewMQTTPublisher(cfg.MQTT, log.Named("mqtt"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.onClose(func() {
			offline := publisher.Message{
				Topic:    publisher.StatusTopic(cfg.MQTT.TopicPrefix),
				Payload:  publisher.FormatOffline(),
				Retained: true,
			}
			if err := pub.Publish(offline); err != nil {
				log.Warn("publishing offline announcement", zap.Error(err))
			}
			_ = pub.Close()
		})

		st := statusStore(ctx, cfg.Redis, log)
		a.onClose(func() { _ = st.Close() })

		sinks = append(sinks, publisher.NewNotifier(pub, st, publisher.PublishConfig{
			Prefix:   cfg.MQTT.TopicPrefix,
			Retained: cfg.MQTT.Retained,
		}, log.Named("mqtt")))
	}

	if cfg.Influx.Enabled {
		w := history.NewInfluxWriter(history.InfluxConfig{
			URL:         cfg.Influx.URL,
			Token:       cfg.Influx.Token,
			Org:         cfg.Influx.Org,
			Bucket:      cfg.Influx.Bucket,
			Measurement: cfg.Influx.Measurement,
		})
		a.onClose(w.Close)
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := w.Health(hctx); err != nil {
			log.Warn("influxdb not reachable yet, writes will be retried each poll", zap.String("url", cfg.Influx.URL), zap.Error(err))
		}
		cancel()
		sinks = append(sinks, history.NewRecorder(w, log.Named("history")))
	}

	srv := api.New(p, api.Options{
		Endpoints:      endpoints(cfg.Servers),
		Devices:        cfg.Devices,
		Sinks:          sinks,
		Metrics:        rec.Handler(),
		RequestTimeout: cfg.HTTP.RequestTimeout.Duration,
		Log:            log.Named("api"),
	})
	a.handler = srv.Handler()

	log.Info("nut-dashboard configured",
		zap.Int("servers", len(cfg.Servers)),
		zap.String("transport", cfg.NUT.Transport),
		zap.Bool("mqtt", cfg.MQTT.Enabled),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("influx", cfg.Influx.Enabled))
	return a, nil
}

// statusStore returns Redis when enabled and reachable, otherwise an
// in-memory store.
func statusStore(ctx context.Context, c config.RedisConfig, log *zap.Logger) store.StatusStore {
	if !c.Enabled {
		return store.NewMemoryStore()
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := store.NewRedisStore(rctx, store.RedisConfig{
		Addr:      c.Addr,
		Password:  c.Password,
		DB:        c.DB,
		KeyPrefix: c.KeyPrefix,
	})
	if err != nil {
		log.Warn("redis unavailable, keeping statuses in memory", zap.Error(err))
		return store.NewMemoryStore()
	}
	return st
}

// serve runs the HTTP server until ctx is done, then shuts it down
// gracefully.
func serve(ctx context.Context, listen string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("starting http server", zap.String("listen", listen))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
