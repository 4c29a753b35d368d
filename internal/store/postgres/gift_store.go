package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// pgUniqueViolation is the SQLSTATE for a unique constraint failure.
const pgUniqueViolation = "23505"

// GiftStore implements domain.GiftStore using PostgreSQL.
type GiftStore struct {
	pool *pgxpool.Pool
}

var _ domain.GiftStore = (*GiftStore)(nil)

// NewGiftStore creates a new GiftStore backed by the given connection pool.
func NewGiftStore(pool *pgxpool.Pool) *GiftStore {
	return &GiftStore{pool: pool}
}

// giftSelectCols lists the columns read for a gift. Decimal columns are cast
// to text so they round-trip without float conversion.
const giftSelectCols = `id, idempotency_key, market_ticker, market_title, side,
	outcome_mint, token_amount, cost_usdc::text, requested_shares::text,
	sender_id, sender_email, recipient_contact, recipient_name, gift_message,
	recipient_wallet, recipient_identity,
	purchase_tx_sig, execution_mode, quoted_token_amount, claim_tx_sig, failure_reason,
	status, lease_token, lease_until,
	created_at, updated_at, claimed_at, archived_at`

func scanGift(row pgx.Row) (domain.Gift, error) {
	var (
		g                          domain.Gift
		side, mode, reason, status string
		tokenAmount, quotedAmount  int64
		costText, sharesText       string
	)

	err := row.Scan(
		&g.ID, &g.IdempotencyKey, &g.MarketTicker, &g.MarketTitle, &side,
		&g.OutcomeMint, &tokenAmount, &costText, &sharesText,
		&g.SenderID, &g.SenderEmail, &g.RecipientContact, &g.RecipientName, &g.GiftMessage,
		&g.RecipientWallet, &g.RecipientIdentity,
		&g.PurchaseTxSig, &mode, &quotedAmount, &g.ClaimTxSig, &reason,
		&status, &g.LeaseToken, &g.LeaseUntil,
		&g.CreatedAt, &g.UpdatedAt, &g.ClaimedAt, &g.ArchivedAt,
	)
	if err != nil {
		return domain.Gift{}, err
	}

	g.Side = domain.Side(side)
	g.ExecutionMode = domain.ExecutionMode(mode)
	g.FailureReason = domain.FailureReason(reason)
	g.Status = domain.GiftStatus(status)
	g.TokenAmount = uint64(tokenAmount)
	g.QuotedTokenAmount = uint64(quotedAmount)

	if g.CostUSDC, err = decimal.NewFromString(costText); err != nil {
		return domain.Gift{}, fmt.Errorf("parse cost_usdc %q: %w", costText, err)
	}
	if g.RequestedShares, err = decimal.NewFromString(sharesText); err != nil {
		return domain.Gift{}, fmt.Errorf("parse requested_shares %q: %w", sharesText, err)
	}
	return g, nil
}

func collectGifts(rows pgx.Rows) ([]domain.Gift, error) {
	defer rows.Close()
	gifts := make([]domain.Gift, 0)
	for rows.Next() {
		g, err := scanGift(rows)
		if err != nil {
			return nil, err
		}
		gifts = append(gifts, g)
	}
	return gifts, rows.Err()
}

// Create inserts g with status pending_payment.
func (s *GiftStore) Create(ctx context.Context, g domain.Gift) (domain.Gift, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO gifts (
			id, idempotency_key, market_ticker, market_title, side,
			cost_usdc, requested_shares,
			sender_id, sender_email, recipient_contact, recipient_name, gift_message,
			status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::numeric, $7::numeric,
			$8, $9, $10, $11, $12,
			'pending_payment', NOW(), NOW()
		)
		RETURNING ` + giftSelectCols

	created, err := scanGift(s.pool.QueryRow(ctx, query,
		g.ID, g.IdempotencyKey, g.MarketTicker, g.MarketTitle, string(g.Side),
		g.CostUSDC.String(), g.RequestedShares.String(),
		g.SenderID, g.SenderEmail, g.RecipientContact, g.RecipientName, g.GiftMessage,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.Gift{}, fmt.Errorf("postgres: create gift %s: %w", g.IdempotencyKey, domain.ErrAlreadyExists)
		}
		return domain.Gift{}, fmt.Errorf("postgres: create gift %s: %w", g.IdempotencyKey, err)
	}
	return created, nil
}

// Get retrieves a gift by id.
func (s *GiftStore) Get(ctx context.Context, id string) (domain.Gift, error) {
	g, err := scanGift(s.pool.QueryRow(ctx, `SELECT `+giftSelectCols+` FROM gifts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Gift{}, fmt.Errorf("postgres: get gift %s: %w", id, domain.ErrNotFound)
		}
		return domain.Gift{}, fmt.Errorf("postgres: get gift %s: %w", id, err)
	}
	return g, nil
}

// GetByIdempotencyKey retrieves the gift created for key.
func (s *GiftStore) GetByIdempotencyKey(ctx context.Context, key string) (domain.Gift, error) {
	g, err := scanGift(s.pool.QueryRow(ctx,
		`SELECT `+giftSelectCols+` FROM gifts WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Gift{}, fmt.Errorf("postgres: get gift by key %s: %w", key, domain.ErrNotFound)
		}
		return domain.Gift{}, fmt.Errorf("postgres: get gift by key %s: %w", key, err)
	}
	return g, nil
}

// Update writes the non-nil fields of upd in a single statement.
func (s *GiftStore) Update(ctx context.Context, id string, upd domain.GiftUpdate) (domain.Gift, error) {
	sets, args := updateAssignments(upd, 2)
	sets = append(sets, "updated_at = NOW()")

	query := `UPDATE gifts SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 RETURNING ` + giftSelectCols

	g, err := scanGift(s.pool.QueryRow(ctx, query, append([]any{id}, args...)...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Gift{}, fmt.Errorf("postgres: update gift %s: %w", id, domain.ErrNotFound)
		}
		return domain.Gift{}, fmt.Errorf("postgres: update gift %s: %w", id, err)
	}
	return g, nil
}

// Transition is a compare-and-set on status. The lease is cleared in the
// same statement.
func (s *GiftStore) Transition(ctx context.Context, id string, from, to domain.GiftStatus, upd domain.GiftUpdate) (domain.Gift, error) {
	if !domain.CanTransition(from, to) {
		return domain.Gift{}, fmt.Errorf("postgres: transition gift %s %s->%s: %w", id, from, to, domain.ErrStatusConflict)
	}

	sets, args := updateAssignments(upd, 4)
	sets = append(sets, "status = $3", "lease_token = ''", "lease_until = NULL", "updated_at = NOW()")

	query := `UPDATE gifts SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 AND status = $2 RETURNING ` + giftSelectCols

	g, err := scanGift(s.pool.QueryRow(ctx, query, append([]any{id, string(from), string(to)}, args...)...))
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Gift{}, fmt.Errorf("postgres: transition gift %s %s->%s: %w", id, from, to, err)
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return domain.Gift{}, getErr
	}
	return domain.Gift{}, fmt.Errorf("postgres: transition gift %s %s->%s (stored %s): %w",
		id, from, to, current.Status, domain.ErrStatusConflict)
}

// AcquireLease claims the in-flight lease when the gift is in status and any
// previous lease has lapsed or already belongs to token.
func (s *GiftStore) AcquireLease(ctx context.Context, id string, status domain.GiftStatus, token string, ttl time.Duration) (domain.Gift, error) {
	const query = `
		UPDATE gifts
		SET lease_token = $3, lease_until = NOW() + make_interval(secs => $4)
		WHERE id = $1 AND status = $2
		  AND (lease_until IS NULL OR lease_until < NOW() OR lease_token = $3)
		RETURNING ` + giftSelectCols

	g, err := scanGift(s.pool.QueryRow(ctx, query, id, string(status), token, ttl.Seconds()))
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Gift{}, fmt.Errorf("postgres: acquire lease %s: %w", id, err)
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return domain.Gift{}, getErr
	}
	if current.Status != status {
		return domain.Gift{}, fmt.Errorf("postgres: acquire lease %s (stored %s): %w", id, current.Status, domain.ErrStatusConflict)
	}
	return domain.Gift{}, fmt.Errorf("postgres: acquire lease %s: %w", id, domain.ErrLeaseHeld)
}

// ReleaseLease clears the lease if token still owns it.
func (s *GiftStore) ReleaseLease(ctx context.Context, id, token string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE gifts SET lease_token = '', lease_until = NULL WHERE id = $1 AND lease_token = $2`,
		id, token)
	if err != nil {
		return fmt.Errorf("postgres: release lease %s: %w", id, err)
	}
	return nil
}

// ListByRecipientContact returns gifts addressed to contact, newest first.
func (s *GiftStore) ListByRecipientContact(ctx context.Context, contact string, opts domain.ListOpts) ([]domain.Gift, error) {
	return s.listBy(ctx, "recipient_contact", contact, opts)
}

// ListBySender returns gifts bought by senderID, newest first.
func (s *GiftStore) ListBySender(ctx context.Context, senderID string, opts domain.ListOpts) ([]domain.Gift, error) {
	return s.listBy(ctx, "sender_id", senderID, opts)
}

// ListByRecipientIdentity returns gifts claimed by identityID, newest first.
func (s *GiftStore) ListByRecipientIdentity(ctx context.Context, identityID string, opts domain.ListOpts) ([]domain.Gift, error) {
	return s.listBy(ctx, "recipient_identity", identityID, opts)
}

// listBy runs a paginated query filtered on column. column is always one of
// the fixed names above, never caller input.
func (s *GiftStore) listBy(ctx context.Context, column, value string, opts domain.ListOpts) ([]domain.Gift, error) {
	query := `SELECT ` + giftSelectCols + ` FROM gifts WHERE ` + column + ` = $1`
	args := []any{value}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list gifts by %s: %w", column, err)
	}
	gifts, err := collectGifts(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan gifts by %s: %w", column, err)
	}
	return gifts, nil
}

// ListStale returns unleased gifts in status not updated since before.
func (s *GiftStore) ListStale(ctx context.Context, status domain.GiftStatus, before time.Time, limit int) ([]domain.Gift, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+giftSelectCols+` FROM gifts
		 WHERE status = $1 AND updated_at < $2
		   AND (lease_until IS NULL OR lease_until < NOW())
		 ORDER BY created_at ASC
		 LIMIT $3`, string(status), before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale gifts: %w", err)
	}
	gifts, err := collectGifts(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan stale gifts: %w", err)
	}
	return gifts, nil
}

// ListArchivable returns claimed or expired gifts created before cutoff that
// have not been exported.
func (s *GiftStore) ListArchivable(ctx context.Context, before time.Time, limit int) ([]domain.Gift, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+giftSelectCols+` FROM gifts
		 WHERE archived_at IS NULL AND status IN ('claimed', 'expired') AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list archivable gifts: %w", err)
	}
	gifts, err := collectGifts(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan archivable gifts: %w", err)
	}
	return gifts, nil
}

// MarkArchived stamps archived_at on every id in one statement.
func (s *GiftStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE gifts SET archived_at = $2 WHERE id = ANY($1)`, ids, at)
	if err != nil {
		return fmt.Errorf("postgres: mark %d gifts archived: %w", len(ids), err)
	}
	return nil
}

// updateAssignments renders the SET clauses for the non-nil fields of upd,
// numbering placeholders from first.
func updateAssignments(upd domain.GiftUpdate, first int) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, first+len(args)))
		args = append(args, value)
	}

	if upd.OutcomeMint != nil {
		add("outcome_mint", *upd.OutcomeMint)
	}
	if upd.TokenAmount != nil {
		add("token_amount", int64(*upd.TokenAmount))
	}
	if upd.PurchaseTxSig != nil {
		add("purchase_tx_sig", *upd.PurchaseTxSig)
	}
	if upd.ExecutionMode != nil {
		add("execution_mode", string(*upd.ExecutionMode))
	}
	if upd.QuotedTokenAmount != nil {
		add("quoted_token_amount", int64(*upd.QuotedTokenAmount))
	}
	if upd.ClaimTxSig != nil {
		add("claim_tx_sig", *upd.ClaimTxSig)
	}
	if upd.RecipientWallet != nil {
		add("recipient_wallet", *upd.RecipientWallet)
	}
	if upd.RecipientIdentity != nil {
		add("recipient_identity", *upd.RecipientIdentity)
	}
	if upd.FailureReason != nil {
		add("failure_reason", string(*upd.FailureReason))
	}
	if upd.ClaimedAt != nil {
		add("claimed_at", *upd.ClaimedAt)
	}
	return sets, args
}
