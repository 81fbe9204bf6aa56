package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gkobilansky/goatlab/internal/engine"
	"github.com/gkobilansky/goatlab/internal/metrics"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Options configure a Server. An empty Token gets a random one.
type Options struct {
	Port      int
	Token     string
	TokenFile string
	Logger    *zap.Logger
}

type Server struct {
	engine    *engine.Engine
	port      int
	token     string
	tokenFile string
	router    *http.ServeMux
	logger    *zap.Logger
	startTime time.Time
}

func New(e *engine.Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	token := opts.Token
	if token == "" {
		token = generateToken()
	}

	srv := &Server{
		engine:    e,
		port:      opts.Port,
		token:     token,
		tokenFile: opts.TokenFile,
		router:    http.NewServeMux(),
		logger:    logger,
		startTime: time.Now(),
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", metrics.Handler())
	s.router.HandleFunc("/b", s.handleBeacon)
	s.router.HandleFunc("GET /api/assign", s.handleAssign)
	s.router.HandleFunc("GET /api/flags/{key}", s.handleFlagValue)

	// Admin endpoints (protected)
	s.admin("GET /admin/api/experiments", s.handleListExperiments)
	s.admin("POST /admin/api/experiments", s.handleCreateExperiment)
	s.admin("GET /admin/api/experiments/{id}", s.handleGetExperiment)
	s.admin("POST /admin/api/experiments/{id}/start", s.handleStart)
	s.admin("POST /admin/api/experiments/{id}/pause", s.handlePause)
	s.admin("POST /admin/api/experiments/{id}/resume", s.handleResume)
	s.admin("POST /admin/api/experiments/{id}/stop", s.handleStop)
	s.admin("GET /admin/api/experiments/{id}/results", s.handleResults)
	s.admin("POST /admin/api/experiments/{id}/override", s.handleOverride)
	s.admin("POST /admin/api/sample-size", s.handleSampleSize)
	s.admin("GET /admin/api/flags", s.handleListFlags)
	s.admin("POST /admin/api/flags", s.handleCreateFlag)
	s.admin("GET /admin/api/flags/{id}", s.handleGetFlag)
	s.admin("POST /admin/api/flags/{id}/rollout", s.handleRollout)
	s.admin("POST /admin/api/flags/{id}/status", s.handleFlagStatus)
}

func (s *Server) admin(pattern string, h http.HandlerFunc) {
	s.router.Handle(pattern, s.authMiddleware(h))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	// Write token to file for the token command
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			s.logger.Warn("failed to write token file", zap.String("path", s.tokenFile), zap.Error(err))
		}
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	s.logger.Info("server listening", zap.Int("port", s.port))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down server")
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("failed to generate token: %v", err))
	}
	return hex.EncodeToString(bytes)
}
