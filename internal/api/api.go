// Package api serves the dashboard's JSON endpoints. Every GET /api/ups
// runs one poll across the configured servers; there is no background
// scheduler.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/nut-dashboard/internal/config"
	"github.com/sweeney/nut-dashboard/internal/nut"
	"github.com/sweeney/nut-dashboard/internal/poller"
	"github.com/sweeney/nut-dashboard/internal/ups"
)

// DefaultRequestTimeout bounds a poll when Options.RequestTimeout is zero.
const DefaultRequestTimeout = 30 * time.Second

// Poller is the part of poller.Poller the API needs.
type Poller interface {
	PollAll(ctx context.Context, endpoints []nut.Endpoint) poller.PollResult
}

// Options configures a Server.
type Options struct {
	Endpoints      []nut.Endpoint
	Devices        []config.DeviceConfig // registered records joined as local_name
	Sinks          []poller.Sink
	Metrics        http.Handler // served on /metrics when set
	RequestTimeout time.Duration
	Log            *zap.Logger
}

// System is a snapshot with the registered local name, if any.
type System struct {
	ups.DeviceSnapshot
	LocalName string `json:"local_name,omitempty"`
}

// UPSResponse is the GET /api/ups body.
type UPSResponse struct {
	PollID     string                `json:"poll_id"`
	PolledAt   time.Time             `json:"polled_at"`
	DurationMS int64                 `json:"duration_ms"`
	Servers    []poller.ServerStatus `json:"servers"`
	Systems    []System              `json:"systems"`
}

// ServerInfo is a configured server as GET /api/servers shows it.
// Credentials are never included.
type ServerInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Authenticated bool   `json:"authenticated"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server holds the handlers' dependencies.
type Server struct {
	poller    Poller
	endpoints []nut.Endpoint
	names     map[string]string // server/device -> local name
	sinks     []poller.Sink
	metrics   http.Handler
	timeout   time.Duration
	log       *zap.Logger
}

// New returns a Server polling through p. A zero RequestTimeout uses
// DefaultRequestTimeout.
func New(p Poller, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	names := make(map[string]string, len(opts.Devices))
	for _, d := range opts.Devices {
		names[d.Server+"/"+d.UPS] = d.Name
	}
	return &Server{
		poller:    p,
		endpoints: opts.Endpoints,
		names:     names,
		sinks:     opts.Sinks,
		metrics:   opts.Metrics,
		timeout:   opts.RequestTimeout,
		log:       opts.Log,
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ups", s.handleUPS)
	mux.HandleFunc("GET /api/servers", s.handleServers)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *Server) handleUPS(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	res := s.poller.PollAll(ctx, s.endpoints)
	log := s.log.With(zap.String("poll_id", res.ID))

	// Sinks outlive a client that hung up mid-poll.
	poller.Dispatch(context.WithoutCancel(r.Context()), res, log, s.sinks...)

	if len(res.Snapshots) == 0 && len(s.endpoints) > 0 {
		log.Warn("no UPS systems reachable", zap.Int("servers", len(s.endpoints)))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "no UPS systems reachable"})
		return
	}

	systems := make([]System, len(res.Snapshots))
	for i, snap := range res.Snapshots {
		systems[i] = System{DeviceSnapshot: snap, LocalName: s.names[snap.Key()]}
	}
	servers := res.Servers
	if servers == nil {
		servers = []poller.ServerStatus{}
	}
	writeJSON(w, http.StatusOK, UPSResponse{
		PollID:     res.ID,
		PolledAt:   res.StartedAt,
		DurationMS: res.Duration().Milliseconds(),
		Servers:    servers,
		Systems:    systems,
	})
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	out := make([]ServerInfo, len(s.endpoints))
	for i, ep := range s.endpoints {
		port := ep.Port
		if port == 0 {
			port = nut.DefaultPort
		}
		out[i] = ServerInfo{
			ID:            ep.ServerID(),
			Name:          ep.Name,
			Host:          ep.Host,
			Port:          port,
			Authenticated: ep.Username != "",
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
