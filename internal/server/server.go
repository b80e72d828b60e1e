package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentsh/execgate/internal/api"
	"github.com/agentsh/execgate/internal/auth"
	"github.com/agentsh/execgate/internal/config"
)

type Server struct {
	httpServer *http.Server
	httpLn     net.Listener
	stack      *Stack
	logger     *slog.Logger
}

// New builds the stack and binds the listener. The listener is open once New
// returns, so Addr is valid before Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := validateExposure(cfg); err != nil {
		return nil, err
	}

	var apiKeyAuth *auth.APIKeyAuth
	if cfg.AuthEnabled() {
		loaded, err := auth.LoadAPIKeys(cfg.Auth.KeysFile, cfg.Auth.HeaderName)
		if err != nil {
			return nil, err
		}
		apiKeyAuth = loaded
	}

	stack, err := NewStack(ctx, cfg, StackOptions{Logger: logger})
	if err != nil {
		return nil, err
	}

	app, err := api.NewApp(api.Options{
		Checker:      stack.Checker,
		Gate:         stack.Gate,
		Approvals:    stack.Approvals,
		Store:        stack.Events,
		Broker:       stack.Broker,
		Emitter:      stack.Emitter,
		Allowlist:    stack.Allowlist,
		Metrics:      stack.Metrics,
		Auth:         apiKeyAuth,
		DefaultAgent: cfg.Allowlist.Agent,
		Logger:       logger,
	})
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	handler := withRequestBodyLimit(app.Router(), cfg.MaxRequestBytes())

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = stack.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}

	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
			ReadTimeout:       cfg.ReadTimeout(),
			WriteTimeout:      cfg.WriteTimeout(),
		},
		httpLn: ln,
		stack:  stack,
		logger: logger,
	}, nil
}

func withRequestBodyLimit(next http.Handler, maxBytes int64) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Addr is the bound listen address.
func (s *Server) Addr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Stack exposes the pipeline behind the server.
func (s *Server) Stack() *Stack { return s.stack }

// Run serves until ctx is done or SIGINT/SIGTERM arrives, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.stack.Config.WatchAllowlist() {
		if err := s.stack.WatchAllowlist(ctx); err != nil {
			s.logger.Warn("allowlist watch disabled", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("execgate listening", "addr", s.Addr(), "approvals", s.stack.Config.Approvals.Mode)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Server) Close() error {
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	if s.stack != nil {
		return s.stack.Close()
	}
	return nil
}
