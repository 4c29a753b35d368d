package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// ServerConfig configures the asynq worker.
type ServerConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Queue         string
	Concurrency   int
}

// Server consumes purchase tasks.
type Server struct {
	cfg       ServerConfig
	purchaser Purchaser
	logger    *slog.Logger
}

// NewServer creates a worker that hands each purchase task to p.
func NewServer(cfg ServerConfig, p Purchaser, logger *slog.Logger) *Server {
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Server{
		cfg:       cfg,
		purchaser: p,
		logger:    logger.With(slog.String("component", "queue-server")),
	}
}

// Run processes tasks until ctx is cancelled, then drains in-flight tasks.
func (s *Server) Run(ctx context.Context) error {
	worker := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     s.cfg.RedisAddr,
			Password: s.cfg.RedisPassword,
			DB:       s.cfg.RedisDB,
		},
		asynq.Config{
			BaseContext: func() context.Context { return ctx },
			Concurrency: s.cfg.Concurrency,
			Queues:      map[string]int{s.cfg.Queue: 1},
			LogLevel:    asynq.WarnLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				s.logger.ErrorContext(ctx, "task failed",
					slog.String("task_type", task.Type()),
					slog.Int("retry", retried),
					slog.Int("max_retry", maxRetry),
					slog.String("error", err.Error()),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePurchase, s.handlePurchase)

	if err := worker.Start(mux); err != nil {
		return fmt.Errorf("queue: start worker: %w", err)
	}
	s.logger.Info("queue worker started",
		slog.String("redis", s.cfg.RedisAddr),
		slog.String("queue", s.cfg.Queue),
		slog.Int("concurrency", s.cfg.Concurrency),
	)

	<-ctx.Done()
	worker.Shutdown()
	s.logger.Info("queue worker stopped")
	return nil
}

func (s *Server) handlePurchase(ctx context.Context, task *asynq.Task) error {
	return handlePurchaseTask(ctx, s.purchaser, task)
}

// handlePurchaseTask returns nil for outcomes that a retry cannot change.
// A held lease means another worker owns the gift.
func handlePurchaseTask(ctx context.Context, p Purchaser, task *asynq.Task) error {
	payload, err := decodePurchase(task.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	err = p.Purchase(ctx, payload.GiftID)
	switch {
	case err == nil, errors.Is(err, domain.ErrLeaseHeld):
		return nil
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("queue: gift %s: %w: %w", payload.GiftID, err, asynq.SkipRetry)
	default:
		return err
	}
}
