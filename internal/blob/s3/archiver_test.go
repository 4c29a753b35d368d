package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/giftd/internal/domain"
	"github.com/alanyoungcy/giftd/internal/store/memory"
)

type fakeBlobWriter struct {
	objects map[string][]byte
	err     error
}

func (w *fakeBlobWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = make(map[string][]byte)
	}
	w.objects[path] = b
	return nil
}

func (w *fakeBlobWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, jsonlContentType)
}

func seedGifts(t *testing.T, s *memory.GiftStore) (claimed, expired, pending string) {
	t.Helper()
	ctx := context.Background()
	create := func(key string) domain.Gift {
		g, err := s.Create(ctx, domain.Gift{
			IdempotencyKey: key,
			MarketTicker:   "ABC-1",
			Side:           domain.SideYes,
			CostUSDC:       decimal.RequireFromString("6.5"),
		})
		require.NoError(t, err)
		return g
	}

	c := create("checkout:c")
	amount := uint64(10)
	_, err := s.Transition(ctx, c.ID, domain.GiftStatusPendingPayment, domain.GiftStatusPendingClaim, domain.GiftUpdate{TokenAmount: &amount})
	require.NoError(t, err)
	_, err = s.Transition(ctx, c.ID, domain.GiftStatusPendingClaim, domain.GiftStatusClaimed, domain.GiftUpdate{})
	require.NoError(t, err)

	e := create("checkout:e")
	reason := domain.FailureVenueRejected
	_, err = s.Transition(ctx, e.ID, domain.GiftStatusPendingPayment, domain.GiftStatusExpired, domain.GiftUpdate{FailureReason: &reason})
	require.NoError(t, err)

	p := create("checkout:p")
	return c.ID, e.ID, p.ID
}

func TestArchiveGifts(t *testing.T) {
	ctx := context.Background()
	gifts := memory.NewGiftStore()
	audit := memory.NewAuditStore()
	writer := &fakeBlobWriter{}
	claimed, expired, pending := seedGifts(t, gifts)

	a := NewArchiver(writer, gifts, audit, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }

	n, err := a.ArchiveGifts(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, writer.objects, 2)

	archived := map[string]bool{}
	for path, body := range writer.objects {
		assert.True(t, strings.HasPrefix(path, "gifts/2026/03/14/"), path)
		assert.True(t, strings.HasSuffix(path, ".jsonl"), path)

		sc := bufio.NewScanner(bytes.NewReader(body))
		for sc.Scan() {
			var g domain.Gift
			require.NoError(t, json.Unmarshal(sc.Bytes(), &g))
			archived[g.ID] = true
		}
	}
	assert.Equal(t, map[string]bool{claimed: true, expired: true}, archived)

	for _, id := range []string{claimed, expired} {
		g, err := gifts.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, g.ArchivedAt)
	}
	g, err := gifts.Get(ctx, pending)
	require.NoError(t, err)
	assert.Nil(t, g.ArchivedAt)

	// Already archived gifts are not exported again.
	n, err = a.ArchiveGifts(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestArchiveGiftsUploadFailureLeavesGiftsUnmarked(t *testing.T) {
	ctx := context.Background()
	gifts := memory.NewGiftStore()
	claimed, _, _ := seedGifts(t, gifts)

	a := NewArchiver(&fakeBlobWriter{err: errors.New("bucket gone")}, gifts, memory.NewAuditStore(), 10,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := a.ArchiveGifts(ctx, time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.Zero(t, n)

	g, err := gifts.Get(ctx, claimed)
	require.NoError(t, err)
	assert.Nil(t, g.ArchivedAt)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "https://minio.local", normaliseEndpoint("minio.local", true))
	assert.Equal(t, "http://minio.local", normaliseEndpoint("minio.local", false))
}
