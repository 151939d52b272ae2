// Package webhook exposes the gateway over HTTP.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"wxgate/internal/gateway"
	"wxgate/internal/metrics"
)

const defaultMaxBody = 1 << 20

// Config configures the webhook server.
type Config struct {
	Host     string
	Port     int
	BasePath string // default /wx
	// MaxBodyBytes caps request bodies. Default 1 MiB.
	MaxBodyBytes int64

	RateLimit     bool
	RatePerSecond float64
	RateBurst     int
	MetricsPath   string // empty disables the metrics endpoint
	Gateway       *gateway.Gateway
	Metrics       *metrics.Gateway
	Logger        *slog.Logger
}

// Server routes platform callbacks to the gateway.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *ipLimiter
	server  *http.Server
}

// New creates a webhook server.
func New(cfg Config) (*Server, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("webhook: gateway is required")
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/wx"
	}
	cfg.BasePath = "/" + strings.Trim(cfg.BasePath, "/")
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewGateway()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}
	if cfg.RateLimit {
		s.limiter = newIPLimiter(cfg.RatePerSecond, cfg.RateBurst)
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	base := strings.TrimSuffix(s.cfg.BasePath, "/")
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+base+"/{appid}", s.handleHandshake)
	mux.HandleFunc("POST "+base+"/{appid}", s.handleMessage)
	mux.HandleFunc("POST "+base+"/component/ticket", s.handleTicket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "ok")
	})
	if s.cfg.MetricsPath != "" {
		mux.Handle("GET "+s.cfg.MetricsPath, s.cfg.Metrics.Handler())
	}

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.middleware(h)
	}
	return h
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if s.limiter != nil {
		go s.sweepVisitors(ctx)
	}

	s.logger.Info("webhook server starting", "addr", addr, "base_path", s.cfg.BasePath)
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (s *Server) sweepVisitors(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.limiter.sweep()
		}
	}
}

func (s *Server) request(r *http.Request) gateway.Request {
	q := r.URL.Query()
	return gateway.Request{
		ID:           uuid.NewString(),
		AppID:        r.PathValue("appid"),
		Signature:    q.Get("signature"),
		Timestamp:    q.Get("timestamp"),
		Nonce:        q.Get("nonce"),
		EchoStr:      q.Get("echostr"),
		MsgSignature: q.Get("msg_signature"),
		EncryptType:  q.Get("encrypt_type"),
	}
}

// readBody fills req.Body. It writes the error response itself and reports
// whether the request may proceed.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, req *gateway.Request) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.logger.Warn("request body too large", "request_id", req.ID, "limit", s.cfg.MaxBodyBytes)
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	req.Body = body
	return true
}

// fail maps a gateway error to a response without exposing its detail.
func (s *Server) fail(w http.ResponseWriter, req gateway.Request, err error) string {
	switch {
	case errors.Is(err, gateway.ErrSignature):
		http.Error(w, "signature fail", http.StatusForbidden)
		return metrics.OutcomeRejected
	case errors.Is(err, gateway.ErrUnknownApp):
		s.logger.Warn("request for unknown app", "request_id", req.ID, "error", err)
		http.Error(w, "not found", http.StatusNotFound)
		return metrics.OutcomeRejected
	default:
		s.logger.Error("webhook request failed", "request_id", req.ID, "app_id", req.AppID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return metrics.OutcomeError
	}
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := s.request(r)
	echo, err := s.cfg.Gateway.Handshake(r.Context(), req)
	if err != nil {
		s.cfg.Metrics.Request(s.fail(w, req, err), time.Since(start))
		return
	}
	s.logger.Info("handshake verified", "request_id", req.ID, "app_id", req.AppID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, echo)
	s.cfg.Metrics.Request(metrics.OutcomeHandshake, time.Since(start))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := s.request(r)
	if !s.readBody(w, r, &req) {
		s.cfg.Metrics.Request(metrics.OutcomeRejected, time.Since(start))
		return
	}

	res, err := s.cfg.Gateway.HandleMessage(r.Context(), req)
	if err != nil {
		s.cfg.Metrics.Request(s.fail(w, req, err), time.Since(start))
		return
	}

	outcome := metrics.OutcomeNoReply
	if res.Replied {
		outcome = metrics.OutcomeReplied
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.Write(res.Body)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	s.logger.Debug("message handled", "request_id", req.ID, "app_id", req.AppID,
		"kind", res.Kind, "replied", res.Replied, "elapsed", time.Since(start))
	s.cfg.Metrics.Request(outcome, time.Since(start))
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := s.request(r)
	if !s.readBody(w, r, &req) {
		s.cfg.Metrics.Request(metrics.OutcomeRejected, time.Since(start))
		return
	}
	if err := s.cfg.Gateway.HandleTicket(r.Context(), req); err != nil {
		s.cfg.Metrics.Request(s.fail(w, req, err), time.Since(start))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "success")
	s.cfg.Metrics.Request(metrics.OutcomeTicket, time.Since(start))
}
