package postgres

import (
	"context"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// testDSNEnv names a disposable database the store tests may write to.
const testDSNEnv = "GIFTD_TEST_POSTGRES_DSN"

// newTestStore connects to the database named by GIFTD_TEST_POSTGRES_DSN,
// applies migrations and removes the rows created under prefix afterwards.
func newTestStore(t *testing.T) (*GiftStore, *Client, string) {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}

	ctx := context.Background()
	client, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, client.RunMigrations(ctx))

	prefix := "test-" + uuid.NewString() + ":"
	t.Cleanup(func() {
		_, _ = client.Pool().Exec(context.Background(),
			`DELETE FROM gifts WHERE idempotency_key LIKE $1`, prefix+"%")
		client.Close()
	})
	return NewGiftStore(client.Pool()), client, prefix
}

func newTestGift(key string) domain.Gift {
	return domain.Gift{
		IdempotencyKey:   key,
		MarketTicker:     "ABC-1",
		Side:             domain.SideYes,
		CostUSDC:         decimal.RequireFromString("6.5"),
		RequestedShares:  decimal.NewFromInt(10),
		SenderID:         "s@example.com",
		RecipientContact: "r@example.com",
	}
}

func giftIDs(gifts []domain.Gift) []string {
	ids := make([]string, 0, len(gifts))
	for _, g := range gifts {
		ids = append(ids, g.ID)
	}
	return ids
}

func TestPostgresCreateRejectsDuplicateKey(t *testing.T) {
	s, _, prefix := newTestStore(t)
	ctx := context.Background()

	g := newTestGift(prefix + "checkout")
	g.Status = domain.GiftStatusClaimed
	created, err := s.Create(ctx, g)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.GiftStatusPendingPayment, created.Status)
	assert.True(t, created.CostUSDC.Equal(decimal.RequireFromString("6.5")))

	_, err = s.Create(ctx, newTestGift(prefix+"checkout"))
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	byKey, err := s.GetByIdempotencyKey(ctx, prefix+"checkout")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byKey.ID)

	_, err = s.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresTransitionIsCompareAndSet(t *testing.T) {
	s, _, prefix := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, newTestGift(prefix+"k"))
	require.NoError(t, err)
	_, err = s.AcquireLease(ctx, g.ID, domain.GiftStatusPendingPayment, "worker", time.Minute)
	require.NoError(t, err)

	amount := uint64(10)
	updated, err := s.Transition(ctx, g.ID, domain.GiftStatusPendingPayment, domain.GiftStatusPendingClaim,
		domain.GiftUpdate{TokenAmount: &amount})
	require.NoError(t, err)
	assert.Equal(t, domain.GiftStatusPendingClaim, updated.Status)
	assert.Equal(t, uint64(10), updated.TokenAmount)
	assert.Empty(t, updated.LeaseToken, "transition clears the lease")
	assert.Nil(t, updated.LeaseUntil)

	tests := []struct {
		name     string
		from, to domain.GiftStatus
	}{
		{name: "stale precondition", from: domain.GiftStatusPendingPayment, to: domain.GiftStatusExpired},
		{name: "edge outside the graph", from: domain.GiftStatusPendingClaim, to: domain.GiftStatusPendingPayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Transition(ctx, g.ID, tt.from, tt.to, domain.GiftUpdate{})
			require.ErrorIs(t, err, domain.ErrStatusConflict)
		})
	}

	got, err := s.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GiftStatusPendingClaim, got.Status)
}

func TestPostgresConcurrentTransitionHasSingleWinner(t *testing.T) {
	s, _, prefix := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, newTestGift(prefix+"k"))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, g.ID, domain.GiftStatusPendingPayment, domain.GiftStatusExpired, domain.GiftUpdate{})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPostgresLeaseContention(t *testing.T) {
	s, _, prefix := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, newTestGift(prefix+"k"))
	require.NoError(t, err)

	_, err = s.AcquireLease(ctx, g.ID, domain.GiftStatusPendingClaim, "a", time.Minute)
	require.ErrorIs(t, err, domain.ErrStatusConflict)

	leased, err := s.AcquireLease(ctx, g.ID, domain.GiftStatusPendingPayment, "a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "a", leased.LeaseToken)
	require.NotNil(t, leased.LeaseUntil)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "other holder is refused", token: "b", wantErr: domain.ErrLeaseHeld},
		{name: "owner re-acquires", token: "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AcquireLease(ctx, g.ID, domain.GiftStatusPendingPayment, tt.token, time.Minute)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	// Releasing with the wrong token is ignored.
	require.NoError(t, s.ReleaseLease(ctx, g.ID, "b"))
	_, err = s.AcquireLease(ctx, g.ID, domain.GiftStatusPendingPayment, "b", time.Minute)
	require.ErrorIs(t, err, domain.ErrLeaseHeld)

	require.NoError(t, s.ReleaseLease(ctx, g.ID, "a"))
	_, err = s.AcquireLease(ctx, g.ID, domain.GiftStatusPendingPayment, "b", time.Minute)
	require.NoError(t, err)

	// A lapsed lease can be taken over.
	require.NoError(t, s.ReleaseLease(ctx, g.ID, "b"))
	_, err = s.AcquireLease(ctx, g.ID, domain.GiftStatusPendingPayment, "c", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = s.AcquireLease(ctx, g.ID, domain.GiftStatusPendingPayment, "d", time.Minute)
	require.NoError(t, err)
}

func TestPostgresConcurrentLeaseHasSingleWinner(t *testing.T) {
	s, _, prefix := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, newTestGift(prefix+"k"))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := string(rune('a' + i))
			if _, err := s.AcquireLease(ctx, g.ID, domain.GiftStatusPendingPayment, token, time.Minute); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPostgresListStaleAndArchive(t *testing.T) {
	s, client, prefix := newTestStore(t)
	ctx := context.Background()

	stale, err := s.Create(ctx, newTestGift(prefix+"stale"))
	require.NoError(t, err)
	leased, err := s.Create(ctx, newTestGift(prefix+"leased"))
	require.NoError(t, err)
	_, err = s.AcquireLease(ctx, leased.ID, domain.GiftStatusPendingPayment, "t", time.Hour)
	require.NoError(t, err)
	fresh, err := s.Create(ctx, newTestGift(prefix+"fresh"))
	require.NoError(t, err)
	done, err := s.Create(ctx, newTestGift(prefix+"done"))
	require.NoError(t, err)
	_, err = s.Transition(ctx, done.ID, domain.GiftStatusPendingPayment, domain.GiftStatusExpired, domain.GiftUpdate{})
	require.NoError(t, err)

	_, err = client.Pool().Exec(ctx,
		`UPDATE gifts SET updated_at = NOW() - INTERVAL '1 hour', created_at = NOW() - INTERVAL '1 hour'
		 WHERE id = ANY($1)`, []string{stale.ID, leased.ID, done.ID})
	require.NoError(t, err)

	now := time.Now()
	got, err := s.ListStale(ctx, domain.GiftStatusPendingPayment, now.Add(-30*time.Minute), 10000)
	require.NoError(t, err)
	ids := giftIDs(got)
	assert.Contains(t, ids, stale.ID)
	assert.NotContains(t, ids, leased.ID, "leased gifts are skipped")
	assert.NotContains(t, ids, fresh.ID)
	assert.NotContains(t, ids, done.ID)

	arch, err := s.ListArchivable(ctx, now.Add(-30*time.Minute), 10000)
	require.NoError(t, err)
	assert.True(t, slices.Contains(giftIDs(arch), done.ID))

	require.NoError(t, s.MarkArchived(ctx, []string{done.ID}, now))
	require.NoError(t, s.MarkArchived(ctx, nil, now))

	arch, err = s.ListArchivable(ctx, now.Add(-30*time.Minute), 10000)
	require.NoError(t, err)
	assert.NotContains(t, giftIDs(arch), done.ID)

	archived, err := s.Get(ctx, done.ID)
	require.NoError(t, err)
	require.NotNil(t, archived.ArchivedAt)
	assert.WithinDuration(t, now, *archived.ArchivedAt, time.Second)
}
