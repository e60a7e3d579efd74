// Package diag serves the operator HTTP endpoint: health, status
// snapshots, Prometheus metrics and pprof.
//
// It is loopback-by-default: binding to a non-loopback address without a
// token requires an explicit allow_insecure.
package diag

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "paced/pkg/logx"
)

const defaultAddr = "127.0.0.1:6560"

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// Status is assembled per request from the injected snapshot sources.
// Nil sources are simply omitted from the output.
type Status struct {
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`

	Loops      any `json:"loops,omitempty"`
	Alerts     any `json:"alerts,omitempty"`
	Goroutines any `json:"goroutines,omitempty"`
}

// Sources provides the data behind /statusz.
type Sources struct {
	Version    string
	Loops      func() any
	Alerts     func() any
	Goroutines func() any
}

type Service struct {
	log      logx.Logger
	gatherer prometheus.Gatherer
	sources  Sources
	started  time.Time

	mu       sync.Mutex
	cfg      Config
	srv      *http.Server
	stopDone chan struct{}
}

func New(log logx.Logger, gatherer prometheus.Gatherer, sources Sources) *Service {
	return &Service{
		log:      log.With(logx.String("component", "diag")),
		gatherer: gatherer,
		sources:  sources,
		started:  time.Now(),
	}
}

// Start brings the server up according to cfg. Disabled config is a
// no-op. Start with a server already running is a no-op too; use
// Reconfigure for changes.
func (s *Service) Start(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(cfg)
}

func (s *Service) startLocked(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if s.srv != nil {
		return nil
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if err := validateExposure(cfg); err != nil {
		return err
	}

	applyProfileRates(cfg)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("diag: listen %s: %w", cfg.Addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/statusz", s.withAuth(cfg, http.HandlerFunc(s.handleStatusz)))
	if s.gatherer != nil {
		mux.Handle("/metrics", s.withAuth(cfg, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	mux.Handle("/debug/pprof/", s.withAuth(cfg, http.HandlerFunc(pprof.Index)))
	mux.Handle("/debug/pprof/cmdline", s.withAuth(cfg, http.HandlerFunc(pprof.Cmdline)))
	mux.Handle("/debug/pprof/profile", s.withAuth(cfg, http.HandlerFunc(pprof.Profile)))
	mux.Handle("/debug/pprof/symbol", s.withAuth(cfg, http.HandlerFunc(pprof.Symbol)))
	mux.Handle("/debug/pprof/trace", s.withAuth(cfg, http.HandlerFunc(pprof.Trace)))

	srv := &http.Server{
		Handler:     mux,
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout stays 0 unless configured: pprof profile captures
		// run for 30s+ and would be cut off.
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.cfg = cfg
	s.srv = srv
	done := make(chan struct{})
	s.stopDone = done

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("diag server stopped", logx.Err(err))
		}
	}()

	s.log.Info("diag server listening",
		logx.String("addr", cfg.Addr),
		logx.Bool("token", cfg.Token != ""),
	)
	return nil
}

// Stop shuts the server down and waits for the serve goroutine.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	done := s.stopDone
	s.srv = nil
	s.stopDone = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Reconfigure applies a new config, restarting the server only when
// needed. Enabled->disabled stops it; address or auth changes restart.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	running := s.srv != nil
	same := running && cfg.Enabled &&
		effectiveAddr(cfg.Addr) == effectiveAddr(s.cfg.Addr) &&
		cfg.Token == s.cfg.Token &&
		cfg.AllowInsecure == s.cfg.AllowInsecure
	s.mu.Unlock()

	if same {
		applyProfileRates(cfg)
		return nil
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(cfg)
}

func effectiveAddr(addr string) string {
	if addr == "" {
		return defaultAddr
	}
	return addr
}

// validateExposure rejects a tokenless bind to a non-loopback address
// unless explicitly allowed.
func validateExposure(cfg Config) error {
	if cfg.Token != "" || cfg.AllowInsecure {
		return nil
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return fmt.Errorf("diag: bad addr %q: %w", cfg.Addr, err)
	}
	if host == "" {
		return fmt.Errorf("diag: refusing wildcard bind without token (set token or allow_insecure)")
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("diag: refusing non-loopback bind %q without token (set token or allow_insecure)", cfg.Addr)
	}
	return nil
}

func applyProfileRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// withAuth gates a handler on the bearer token when one is configured;
// without a token only loopback peers pass (the bind check above keeps
// that from being reachable remotely anyway).
func (s *Service) withAuth(cfg Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Token != "" {
			got := r.Header.Get("Authorization")
			want := "Bearer " + cfg.Token
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		} else if !cfg.AllowInsecure && !isLoopbackAddr(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	host = strings.Trim(host, "[]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func (s *Service) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	st := Status{
		Version:   s.sources.Version,
		StartedAt: s.started.UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if s.sources.Loops != nil {
		st.Loops = s.sources.Loops()
	}
	if s.sources.Alerts != nil {
		st.Alerts = s.sources.Alerts()
	}
	if s.sources.Goroutines != nil {
		st.Goroutines = s.sources.Goroutines()
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		s.log.Debug("statusz encode failed", logx.Err(err))
	}
}
