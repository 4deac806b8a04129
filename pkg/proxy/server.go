package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/acme/autocert"

	"github.com/keygate-dev/keygate/pkg/config"
	"github.com/keygate-dev/keygate/pkg/router"
)

// Server owns the listener, the shared upstream HTTP client, and the admin
// surface. One instance per process.
type Server struct {
	state      *router.State
	cfg        *config.ServerConfig
	client     *http.Client
	httpServer *http.Server
	cron       *cron.Cron

	active   atomic.Int64
	draining atomic.Bool
}

func NewServer(cfg *config.ServerConfig, state *router.State) *Server {
	s := &Server{
		state: state,
		cfg:   cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        256,
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     30 * time.Second,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				ForceAttemptHTTP2:   true,
			},
			// Per-attempt deadlines are applied by the forwarder; the client
			// itself must not cap streaming bodies.
			Timeout: 0,
		},
		cron: cron.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.lifecycleMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/admin", s.adminRouter())
	r.HandleFunc("/*", s.handleProxy)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming responses forbid a write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight proxy requests
// and shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		if err := s.state.Routes.Watch(ctx); err != nil {
			log.Warn("routes watcher stopped", "err", err)
		}
	}()

	// Backfill routes for upstreams missing from the table, then keep them
	// fresh on a schedule.
	go s.refreshMissingModelRoutes(ctx)
	if _, err := s.cron.AddFunc("@hourly", func() { s.refreshMissingModelRoutes(ctx) }); err != nil {
		return fmt.Errorf("schedule model refresh: %w", err)
	}
	s.cron.Start()
	defer s.cron.Stop()

	errCh := make(chan error, 2)
	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}
		s.httpServer.TLSConfig = &tls.Config{
			GetCertificate: mgr.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
		go func() {
			log.Info("listening (tls)", "addr", s.httpServer.Addr, "domain", s.cfg.TLS.Domain)
			if err := s.httpServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	} else {
		go func() {
			log.Info("listening", "addr", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("proxy server: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.draining.Store(true)
	s.waitForIdle(5 * time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isAdmin := len(r.URL.Path) >= 6 && r.URL.Path[:6] == "/admin"
		if !isAdmin && r.URL.Path != "/healthz" {
			if s.draining.Load() {
				w.Header().Set("Retry-After", "3")
				http.Error(w, "server shutting down", http.StatusServiceUnavailable)
				return
			}
			s.active.Add(1)
			defer s.active.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForIdle(grace time.Duration) {
	deadline := time.Now().Add(grace)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		active := s.active.Load()
		if active <= 0 {
			log.Info("shutdown: proxy idle")
			return
		}
		if time.Now().After(deadline) {
			log.Warn("shutdown: grace expired", "active", active)
			return
		}
		<-t.C
	}
}

func (s *Server) metricRequestStart() {
	s.state.Metric.RequestStarted()
}

func (s *Server) metricRequestEnd(d time.Duration) {
	s.state.Metric.RequestFinished(d)
}

// writeModelsList serves GET /v1/models from the route table.
func (s *Server) writeModelsList(w http.ResponseWriter) int {
	type modelCard struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	models := s.state.Routes.Models()
	data := make([]modelCard, 0, len(models))
	for _, m := range models {
		data = append(data, modelCard{ID: m, Object: "model"})
	}
	body, err := json.Marshal(map[string]any{"object": "list", "data": data})
	if err != nil {
		writeProxyError(w, http.StatusInternalServerError, "failed to build response", "response_build_error")
		return 0
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(body)
	return n
}

// writeProxyError emits an OpenAI-style error envelope.
func writeProxyError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "proxy_error",
			"param":   nil,
			"code":    code,
		},
	})
}
