// Package server assembles the NutriVox gateway: routes, middleware,
// shared stores, and the drain choreography used at shutdown.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nutrivox/nutrivox/pkg/core/mail"
	"github.com/nutrivox/nutrivox/pkg/core/profile"
	"github.com/nutrivox/nutrivox/pkg/gateway/config"
	"github.com/nutrivox/nutrivox/pkg/gateway/handlers"
	"github.com/nutrivox/nutrivox/pkg/gateway/lifecycle"
	"github.com/nutrivox/nutrivox/pkg/gateway/live/sessions"
	"github.com/nutrivox/nutrivox/pkg/gateway/metrics"
	"github.com/nutrivox/nutrivox/pkg/gateway/mw"
	"github.com/nutrivox/nutrivox/pkg/gateway/upstream/realtime"
)

const drainNotice = "The server is restarting. Your session is about to end; please reconnect in a moment."

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store     *profile.Store
	mailer    *mail.Sender
	metrics   *metrics.Metrics
	dialer    *realtime.Dialer
	lifecycle *lifecycle.Lifecycle
	tracker   *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		store:  profile.NewStore(cfg.DataDir),
		mailer: mail.NewSender(mail.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}),
		metrics: metrics.New("nutrivox"),
		dialer: &realtime.Dialer{
			APIKey:      cfg.OpenAIAPIKey,
			Model:       cfg.RealtimeModel,
			Voice:       cfg.Voice,
			BaseURL:     cfg.RealtimeURL,
			HTTPBaseURL: cfg.RealtimeHTTPURL,
			HTTPClient:  httpClient,
			Logger:      logger,
		},
		lifecycle: &lifecycle.Lifecycle{},
		tracker:   sessions.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Dialer:       s.dialer,
		Store:        s.store,
		Mailer:       s.mailer,
		Metrics:      s.metrics,
		Logger:       s.logger,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.tracker,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness and stops new live sessions from being
// accepted. Existing sessions keep running until they finish or are
// canceled.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// NotifyLiveSessionsDraining tells every connected client the gateway is
// going away. Best effort; sessions that cannot be reached are skipped.
func (s *Server) NotifyLiveSessionsDraining() {
	if n := s.tracker.NotifyAll(drainNotice); n > 0 {
		s.logger.Info("notified live sessions of shutdown", "sessions", n)
	}
}

// WaitLiveSessions blocks until every live session has unregistered or
// ctx expires; it reports whether the tracker fully drained.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CancelLiveSessions force-terminates whatever is still running.
func (s *Server) CancelLiveSessions() {
	if n := s.tracker.CancelAll(); n > 0 {
		s.logger.Warn("canceled live sessions at shutdown", "sessions", n)
	}
}
