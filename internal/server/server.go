package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/giftd/internal/domain"
	"github.com/alanyoungcy/giftd/internal/server/handler"
	"github.com/alanyoungcy/giftd/internal/server/middleware"
	"github.com/alanyoungcy/giftd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // guards operator routes; empty disables auth
	RateLimit   int    // requests per RateWindow per client IP on public writes
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Events, Demo,
// Hub and Metrics are optional.
type Handlers struct {
	Health   *handler.HealthHandler
	Payments *handler.PaymentHandler
	Gifts    *handler.GiftHandler
	Events   *handler.EventsHandler
	Demo     *handler.DemoHandler
	Hub      *ws.Hub
	Metrics  http.Handler
}

// Server is the HTTP + WebSocket API of the gift service.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with every route registered. Public write
// routes are rate limited per client IP; operator routes require the API
// key.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	protected := middleware.Auth(cfg.APIKey, logger)
	limited := func(scope string) func(http.Handler) http.Handler {
		return middleware.RateLimit(limiter, scope, cfg.RateLimit, cfg.RateWindow, logger)
	}

	// Public.
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/gifts/{id}", h.Gifts.GetGift)
	mux.Handle("POST /api/gifts/{id}/claim", limited("claim")(http.HandlerFunc(h.Gifts.ClaimGift)))

	// Payment collaborator; authenticated by body signature.
	mux.Handle("POST /api/payments/confirmed", limited("webhook")(http.HandlerFunc(h.Payments.Confirmed)))

	// Operator.
	mux.Handle("GET /api/gifts", protected(http.HandlerFunc(h.Gifts.ListGifts)))
	mux.Handle("GET /api/gifts/{id}/audit", protected(http.HandlerFunc(h.Gifts.GiftAudit)))
	mux.Handle("POST /api/gifts/{id}/redeem", protected(http.HandlerFunc(h.Gifts.RedeemGift)))

	if h.Events != nil {
		mux.Handle("GET /api/events", protected(http.HandlerFunc(h.Events.Replay)))
	}
	if h.Demo != nil {
		mux.Handle("POST /api/demo/gifts", limited("demo")(http.HandlerFunc(h.Demo.CreateGift)))
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", protected(h.Metrics))
	}

	var root http.Handler = mux
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Claims wait for ledger confirmation.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, logger: logger}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens for HTTP requests. It blocks until the server fails or is
// shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run starts the server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			return err
		}
		return <-errCh
	}
}
