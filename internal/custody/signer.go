package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/alanyoungcy/giftd/internal/await"
	"github.com/alanyoungcy/giftd/internal/domain"
	"github.com/alanyoungcy/giftd/internal/ledger"
)

// ErrSignerStopped is returned for requests made after Run has returned.
var ErrSignerStopped = errors.New("custody: signer stopped")

// SignerConfig controls confirmation waiting.
type SignerConfig struct {
	Commitment   ledger.Commitment
	Timeout      time.Duration
	PollInterval time.Duration
	QueueSize    int
}

// job runs inside the submission loop and returns the submitted signature.
type job func(ctx context.Context) (solana.Signature, error)

type request struct {
	ctx   context.Context
	run   job
	reply chan result
}

type result struct {
	sig solana.Signature
	err error
}

// Signer holds the custody key for the process lifetime. All signing and
// submission happen on the goroutine running Run, one request at a time;
// decoding and instruction building happen on the caller's goroutine.
type Signer struct {
	key    solana.PrivateKey
	pub    solana.PublicKey
	ledger Ledger
	cfg    SignerConfig
	logger *slog.Logger

	requests chan request
	done     chan struct{}
}

var _ domain.SettlementSigner = (*Signer)(nil)

// NewSigner creates a signer for key. Run must be started before requests
// are served.
func NewSigner(key solana.PrivateKey, l Ledger, cfg SignerConfig, logger *slog.Logger) (*Signer, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("custody: invalid key: %w", err)
	}
	if cfg.Commitment == "" {
		cfg.Commitment = ledger.CommitmentConfirmed
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Signer{
		key:      key,
		pub:      key.PublicKey(),
		ledger:   l,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "signer")),
		requests: make(chan request, cfg.QueueSize),
		done:     make(chan struct{}),
	}, nil
}

// PublicKey returns the custody address in base58.
func (s *Signer) PublicKey() string {
	return s.pub.String()
}

// Account returns the custody address.
func (s *Signer) Account() solana.PublicKey {
	return s.pub
}

// Run serves submission requests until ctx is cancelled.
func (s *Signer) Run(ctx context.Context) error {
	defer close(s.done)
	s.logger.Info("signer started", slog.String("address", s.pub.String()))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("signer stopped")
			return nil
		case req := <-s.requests:
			if err := req.ctx.Err(); err != nil {
				req.reply <- result{err: err}
				continue
			}
			sig, err := req.run(req.ctx)
			req.reply <- result{sig: sig, err: err}
		}
	}
}

// submit hands run to the loop and waits for its result.
func (s *Signer) submit(ctx context.Context, run job) (solana.Signature, error) {
	reply := make(chan result, 1)
	select {
	case s.requests <- request{ctx: ctx, run: run, reply: reply}:
	case <-s.done:
		return solana.Signature{}, ErrSignerStopped
	case <-ctx.Done():
		return solana.Signature{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.sig, r.err
	case <-s.done:
		return solana.Signature{}, ErrSignerStopped
	case <-ctx.Done():
		return solana.Signature{}, ctx.Err()
	}
}

// SignAndSubmit signs a venue-built transaction with the custody key and
// submits it. It returns the transaction signature in base58, also alongside
// a send error once the transaction is signed.
func (s *Signer) SignAndSubmit(ctx context.Context, unsignedTx []byte, before domain.BeforeSend) (string, error) {
	tx, err := decodeTransaction(unsignedTx)
	if err != nil {
		return "", err
	}
	if !tx.Message.IsSigner(s.pub) {
		return "", fmt.Errorf("custody: transaction does not require the custody signature: %w", domain.ErrTransactionFailed)
	}

	sig, err := s.submit(ctx, func(ctx context.Context) (solana.Signature, error) {
		return s.signAndSend(ctx, tx, before)
	})
	return sigString(sig), err
}

// SubmitWithFreshBlockhash fetches a blockhash inside the queue, builds the
// transaction with it, signs and submits.
func (s *Signer) SubmitWithFreshBlockhash(ctx context.Context, build func(blockhash solana.Hash) (*solana.Transaction, error), before domain.BeforeSend) (string, error) {
	sig, err := s.submit(ctx, func(ctx context.Context) (solana.Signature, error) {
		blockhash, err := s.ledger.LatestBlockhash(ctx)
		if err != nil {
			return solana.Signature{}, err
		}
		tx, err := build(blockhash)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("custody: build transaction: %w", err)
		}
		return s.signAndSend(ctx, tx, before)
	})
	return sigString(sig), err
}

// signAndSend signs tx and sends it. A failed send still returns the
// transaction id: the node may have accepted it before the error. A zero
// signature means nothing was sent.
func (s *Signer) signAndSend(ctx context.Context, tx *solana.Transaction, before domain.BeforeSend) (solana.Signature, error) {
	_, err := tx.PartialSign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(s.pub) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("custody: sign transaction: %w", err)
	}

	if len(tx.Signatures) == 0 {
		return solana.Signature{}, errors.New("custody: sign transaction: no signatures")
	}
	sig := tx.Signatures[0]

	raw, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("custody: encode transaction: %w", err)
	}

	if before != nil {
		if err := before(ctx, sig.String()); err != nil {
			return solana.Signature{}, err
		}
	}

	if _, err := s.ledger.SendTransaction(ctx, raw); err != nil {
		s.logger.Warn("transaction send failed",
			slog.String("signature", sig.String()),
			slog.String("error", err.Error()),
		)
		return sig, err
	}
	s.logger.Debug("transaction submitted", slog.String("signature", sig.String()))
	return sig, nil
}

func sigString(sig solana.Signature) string {
	if sig == (solana.Signature{}) {
		return ""
	}
	return sig.String()
}

// AwaitConfirmation polls the ledger until txRef reaches the configured
// commitment. It returns ErrConfirmationTimeout when the confirm window
// elapses and ErrTransactionFailed when the transaction executed with an
// error.
func (s *Signer) AwaitConfirmation(ctx context.Context, txRef string) error {
	sig, err := solana.SignatureFromBase58(txRef)
	if err != nil {
		return fmt.Errorf("custody: parse signature %q: %w", txRef, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	attempts := int(s.cfg.Timeout / s.cfg.PollInterval)
	if attempts < 1 {
		attempts = 1
	}

	err = await.Poll(waitCtx, await.Policy{Interval: s.cfg.PollInterval, MaxAttempts: attempts},
		func(ctx context.Context) (bool, error) {
			st, err := s.ledger.SignatureStatus(ctx, sig)
			if err != nil {
				s.logger.Debug("signature status lookup failed",
					slog.String("signature", txRef), slog.String("error", err.Error()))
				return false, err
			}
			if st.Err != "" {
				return false, await.Stop(fmt.Errorf("custody: transaction %s: %w: %s", txRef, domain.ErrTransactionFailed, st.Err))
			}
			return st.Found && st.Commitment.Reaches(s.cfg.Commitment), nil
		})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, await.ErrExhausted), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("custody: transaction %s not %s within %s: %w",
			txRef, s.cfg.Commitment, s.cfg.Timeout, domain.ErrConfirmationTimeout)
	default:
		return err
	}
}
