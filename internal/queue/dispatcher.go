package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// enqueuer is the part of *asynq.Client the dispatcher uses.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// DispatcherConfig sets per-task options.
type DispatcherConfig struct {
	Queue    string
	MaxRetry int
	// Timeout bounds one run of the task and should match the purchase
	// budget.
	Timeout time.Duration
}

// AsynqDispatcher enqueues purchase tasks. The gift id is the task id, so a
// second dispatch for the same gift while the first is still queued is a
// no-op.
type AsynqDispatcher struct {
	client enqueuer
	cfg    DispatcherConfig
	logger *slog.Logger
}

var _ domain.PurchaseDispatcher = (*AsynqDispatcher)(nil)

// NewAsynqDispatcher creates a dispatcher on client.
func NewAsynqDispatcher(client *asynq.Client, cfg DispatcherConfig, logger *slog.Logger) *AsynqDispatcher {
	return newAsynqDispatcher(client, cfg, logger)
}

func newAsynqDispatcher(client enqueuer, cfg DispatcherConfig, logger *slog.Logger) *AsynqDispatcher {
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	return &AsynqDispatcher{
		client: client,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "dispatcher")),
	}
}

// DispatchPurchase enqueues the purchase task for giftID.
func (d *AsynqDispatcher) DispatchPurchase(ctx context.Context, giftID string) error {
	payload, err := encodePurchase(giftID)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.TaskID(giftID),
		asynq.Queue(d.cfg.Queue),
		asynq.MaxRetry(d.cfg.MaxRetry),
	}
	if d.cfg.Timeout > 0 {
		opts = append(opts, asynq.Timeout(d.cfg.Timeout))
	}

	info, err := d.client.EnqueueContext(ctx, asynq.NewTask(TypePurchase, payload), opts...)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		d.logger.DebugContext(ctx, "purchase already queued", slog.String("gift_id", giftID))
		return nil
	case err != nil:
		return fmt.Errorf("queue: enqueue purchase %s: %w", giftID, err)
	}

	d.logger.InfoContext(ctx, "purchase queued",
		slog.String("gift_id", giftID),
		slog.String("queue", info.Queue),
	)
	return nil
}
