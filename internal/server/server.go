package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/rs/cors"

	"github.com/zombor/text-scanner/internal/acquire"
	"github.com/zombor/text-scanner/internal/archive"
	"github.com/zombor/text-scanner/internal/history"
	"github.com/zombor/text-scanner/internal/lifecycle"
	"github.com/zombor/text-scanner/internal/quota"
)

// History is the part of the history store the API exposes
type History interface {
	ListActive(ctx context.Context, ownerID string, opts history.ListOptions) ([]*history.ScanRecord, error)
	Get(ctx context.Context, ownerID, id string) (*history.ScanRecord, error)
	SoftDelete(ctx context.Context, ownerID, id string) error
}

// QuotaReader reports an owner's quota
type QuotaReader interface {
	State(ctx context.Context, ownerID string) (quota.State, error)
}

// Config holds the HTTP layer settings
type Config struct {
	// Auth resolves request owners. Nil means a single local user.
	Auth Authenticator
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
	// RateLimit is requests per minute per client, ScanRateLimit the same for starting scans
	RateLimit     int
	ScanRateLimit int
	// TrustedProxies may set X-Forwarded-For and X-Real-IP. Empty trusts nobody.
	TrustedProxies []netip.Prefix
	// MaxUploadSize caps file uploads
	MaxUploadSize int64
}

// Server handles HTTP requests for scans, history and quota
type Server struct {
	registry *lifecycle.Registry
	history  History
	quota    QuotaReader
	images   archive.Storage
	camera   *acquire.Camera
	cfg      Config

	mux        *http.ServeMux
	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates a new Server with default mux
func NewServer(registry *lifecycle.Registry, store History, quotas QuotaReader, images archive.Storage, camera *acquire.Camera, cfg Config) *Server {
	return NewServerWithMux(registry, store, quotas, images, camera, cfg, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing.
// images may be nil when archiving is off.
func NewServerWithMux(registry *lifecycle.Registry, store History, quotas QuotaReader, images archive.Storage, camera *acquire.Camera, cfg Config, mux *http.ServeMux) *Server {
	if cfg.Auth == nil {
		cfg.Auth = SingleUser{Owner: DefaultOwner}
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = acquire.DefaultMaxFileSize
	}
	if camera == nil {
		camera = acquire.NewCamera(acquire.NoDevice{})
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		registry: registry,
		history:  store,
		quota:    quotas,
		images:   images,
		camera:   camera,
		cfg:      cfg,
		mux:      mux,
	}
	s.registerRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         3600,
	})
	s.handler = c.Handler(newRateLimiter(cfg.RateLimit, cfg.ScanRateLimit, cfg.TrustedProxies).Handler(s.mux))

	return s
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := s.cfg.Auth.Authenticate(r)
		if err != nil || owner == "" {
			if wantsBasic(s.cfg.Auth) {
				w.Header().Set("WWW-Authenticate", `Basic realm="Text Scanner"`)
			}
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(withOwner(r.Context(), owner)))
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /api/scans/file", s.requireAuth(s.handleScanFile))
	s.mux.HandleFunc("POST /api/scans/camera", s.requireAuth(s.handleScanCamera))
	s.mux.HandleFunc("POST /api/scans/capture", s.requireAuth(s.handleCapture))
	s.mux.HandleFunc("POST /api/scans/cancel", s.requireAuth(s.handleCancel))
	s.mux.HandleFunc("GET /api/scans/current", s.requireAuth(s.handleCurrentScan))

	s.mux.HandleFunc("GET /api/history/{id}/image", s.requireAuth(s.handleGetImage))
	s.mux.HandleFunc("DELETE /api/history/{id}", s.requireAuth(s.handleDeleteRecord))
	s.mux.HandleFunc("GET /api/history", s.requireAuth(s.handleListHistory))

	s.mux.HandleFunc("GET /api/quota", s.requireAuth(s.handleQuota))
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Starting server", "address", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
