package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/alanyoungcy/giftd/internal/await"
	s3blob "github.com/alanyoungcy/giftd/internal/blob/s3"
	"github.com/alanyoungcy/giftd/internal/cache/redis"
	"github.com/alanyoungcy/giftd/internal/config"
	"github.com/alanyoungcy/giftd/internal/crypto"
	"github.com/alanyoungcy/giftd/internal/custody"
	"github.com/alanyoungcy/giftd/internal/domain"
	"github.com/alanyoungcy/giftd/internal/fulfillment"
	"github.com/alanyoungcy/giftd/internal/ledger"
	"github.com/alanyoungcy/giftd/internal/metrics"
	"github.com/alanyoungcy/giftd/internal/notify"
	"github.com/alanyoungcy/giftd/internal/platform/dflow"
	"github.com/alanyoungcy/giftd/internal/platform/simulated"
	"github.com/alanyoungcy/giftd/internal/queue"
	"github.com/alanyoungcy/giftd/internal/server/handler"
	"github.com/alanyoungcy/giftd/internal/store/memory"
	"github.com/alanyoungcy/giftd/internal/store/postgres"
)

// giftArchiveStore is a gift store the archiver can page through.
type giftArchiveStore interface {
	domain.GiftStore
	s3blob.GiftArchiveStore
}

// Dependencies bundles everything the modes run. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Gifts giftArchiveStore
	Audit domain.AuditStore

	// Coordination
	Bus         domain.SignalBus
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter

	// Venue and custody
	Venue   domain.Venue
	Markets domain.MarketResolver
	Signer  domain.SettlementSigner
	Custody domain.CustodyTransferer
	// SignerLoop serializes custody submissions; nil when simulated.
	SignerLoop func(ctx context.Context) error

	// Purchase scheduling. Inline is set instead of the asynq queue in demo
	// mode.
	Dispatcher domain.PurchaseDispatcher
	Inline     *queue.InlineDispatcher

	Notifier *notify.EmailDispatcher
	Alerts   *notify.Notifier
	Metrics  *metrics.Metrics
	Archiver *s3blob.Archiver

	Orchestrator *fulfillment.Orchestrator

	// Health checks by dependency name.
	Checks map[string]handler.Pinger
}

// Wire constructs the concrete dependencies for cfg.Mode and returns them
// together with a cleanup function to call on shutdown. Demo mode runs
// entirely in memory against a simulated venue and ledger.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Pinger),
	}

	var err error
	if cfg.NeedsInfrastructure() {
		closers, err = wireInfrastructure(ctx, cfg, deps, closers, logger)
	} else {
		wireSimulated(ctx, deps, logger)
	}
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	// --- Notifications ---
	deps.Notifier = notify.NewEmailDispatcher(notify.EmailConfig{
		URL:     cfg.Notify.EmailURL,
		APIKey:  cfg.Notify.EmailAPIKey,
		Timeout: cfg.Notify.EmailTimeout.Duration,
	}, logger)

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Alerts = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Gifts, deps.Audit, cfg.Archive.BatchSize, logger)
		deps.Checks["s3"] = handler.PingFunc(s3Client.Health)
	}

	// --- Orchestrator ---
	f := cfg.Fulfillment
	retry := func(n int) await.RetryPolicy {
		return await.RetryPolicy{MaxRetries: n, InitialInterval: f.RetryInitialInterval.Duration}
	}
	orch, err := fulfillment.New(fulfillment.Config{
		InputMint:         cfg.Venue.InputMint,
		SlippageBps:       cfg.Venue.SlippageBps,
		RedeemSlippageBps: cfg.Venue.RedeemSlippageBps,
		FillPoll:          await.Policy{Interval: f.FillPollInterval.Duration, MaxAttempts: f.FillPollAttempts},
		PurchaseTimeout:   f.PurchaseTimeout.Duration,
		ClaimTimeout:      f.ClaimTimeout.Duration,
		PurchaseRetry:     retry(f.PurchaseRetries),
		ClaimRetry:        retry(f.ClaimRetries),
		LeaseTTL:          f.LeaseTTL.Duration,
		AppURL:            f.AppURL,
		StaleAfter:        cfg.Reconcile.StaleAfter.Duration,
		ReconcileBatch:    cfg.Reconcile.BatchSize,
	}, fulfillment.Deps{
		Gifts:      deps.Gifts,
		Audit:      deps.Audit,
		Venue:      deps.Venue,
		Markets:    deps.Markets,
		Signer:     deps.Signer,
		Custody:    deps.Custody,
		Dispatcher: deps.Dispatcher,
		Notifier:   deps.Notifier,
		Alerts:     deps.Alerts,
		Bus:        deps.Bus,
		Metrics:    deps.Metrics,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: orchestrator: %w", err)
	}
	deps.Orchestrator = orch
	if deps.Inline != nil {
		deps.Inline.Bind(orch)
		closers = append(closers, deps.Inline.Wait)
	}

	return deps, cleanup, nil
}

// wireInfrastructure connects Postgres, Redis, the ledger RPC, the custody
// key and the venue.
func wireInfrastructure(ctx context.Context, cfg *config.Config, deps *Dependencies, closers []func(), logger *slog.Logger) ([]func(), error) {
	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return closers, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return closers, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	pool := pgClient.Pool()
	deps.Gifts = postgres.NewGiftStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Checks["postgres"] = pgClient

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return closers, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Bus = redis.NewSignalBusWithMaxLen(redisClient, int64(cfg.Redis.StreamMaxLen))
	deps.Locks = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Checks["redis"] = redisClient

	// --- Ledger and custody ---
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Custody.PrivateKey,
		EncryptedKeyPath: cfg.Custody.EncryptedKeyPath,
		KeyPassword:      cfg.Custody.KeyPassword,
	})
	if err != nil {
		return closers, fmt.Errorf("wire: custody key: %w", err)
	}
	rpcClient := ledger.New(ledger.Config{
		RPCURL:         cfg.Ledger.RPCURL,
		Commitment:     ledger.Commitment(cfg.Ledger.Commitment),
		MaxNodeRetries: uint(max(cfg.Ledger.MaxNodeRetries, 0)),
	})
	signer, err := custody.NewSigner(key, rpcClient, custody.SignerConfig{
		Commitment:   ledger.Commitment(cfg.Ledger.Commitment),
		Timeout:      cfg.Ledger.ConfirmTimeout.Duration,
		PollInterval: cfg.Ledger.ConfirmPollInterval.Duration,
	}, logger)
	if err != nil {
		return closers, fmt.Errorf("wire: custody signer: %w", err)
	}
	deps.Signer = signer
	deps.Custody = custody.NewTransferer(signer, rpcClient, logger)
	deps.SignerLoop = signer.Run

	// --- Venue ---
	venue := dflow.NewClient(dflow.Config{
		TradeHost:    cfg.Venue.TradeHost,
		MetadataHost: cfg.Venue.MetadataHost,
		APIKey:       cfg.Venue.APIKey,
		Timeout:      cfg.Venue.HTTPTimeout.Duration,
	})
	deps.Venue = venue
	deps.Markets = dflow.NewCachedResolver(venue, cfg.Venue.MarketCacheTTL.Duration)

	// --- Purchase queue ---
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closers = append(closers, func() { _ = asynqClient.Close() })
	deps.Dispatcher = queue.NewAsynqDispatcher(asynqClient, queue.DispatcherConfig{
		Queue:    cfg.Queue.Name,
		MaxRetry: cfg.Queue.MaxRetry,
		Timeout:  cfg.Fulfillment.PurchaseTimeout.Duration,
	}, logger)

	return closers, nil
}

// wireSimulated backs every dependency with in-memory and simulated
// implementations.
func wireSimulated(ctx context.Context, deps *Dependencies, logger *slog.Logger) {
	deps.Gifts = memory.NewGiftStore()
	deps.Audit = memory.NewAuditStore()
	deps.Bus = memory.NewSignalBus()
	deps.Locks = memory.NewLockManager()
	deps.RateLimiter = memory.NewRateLimiter()

	venue := simulated.NewVenue()
	deps.Venue = venue
	deps.Markets = venue

	l := simulated.NewLedger()
	deps.Signer = l
	deps.Custody = l

	deps.Inline = queue.NewInlineDispatcher(ctx, logger)
	deps.Dispatcher = deps.Inline
}
