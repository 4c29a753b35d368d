package dflow

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/giftd/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{TradeHost: srv.URL, MetadataHost: srv.URL, APIKey: "k", Timeout: 2 * time.Second})
}

func TestPlaceOrder(t *testing.T) {
	tx := []byte{1, 2, 3, 4}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/order", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, domain.USDCMint, q.Get("inputMint"))
		assert.Equal(t, "YES1", q.Get("outputMint"))
		assert.Equal(t, "6500000", q.Get("amount"))
		assert.Equal(t, "50", q.Get("slippageBps"))
		assert.Equal(t, "Payer111", q.Get("userPublicKey"))
		assert.Equal(t, "k", r.Header.Get("x-api-key"))

		_, _ = w.Write([]byte(`{"transaction":"` + base64.StdEncoding.EncodeToString(tx) +
			`","executionMode":"async","quote":{"inputAmount":"6500000","outputAmount":"10","price":"0.65"}}`))
	})

	order, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		InputMint: domain.USDCMint, OutputMint: "YES1", Amount: 6_500_000, SlippageBps: 50, Payer: "Payer111",
	})
	require.NoError(t, err)
	assert.Equal(t, tx, order.Transaction)
	assert.Equal(t, domain.ExecutionAsync, order.ExecutionMode)
	assert.Equal(t, uint64(6_500_000), order.Quote.InputAmount)
	assert.Equal(t, uint64(10), order.Quote.OutputAmount)
	assert.Equal(t, "0.65", order.Quote.Price)
}

func TestPlaceOrderDefaultsToSync(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transaction":"AQ==","quote":{"outputAmount":7}}`))
	})
	order, err := c.PlaceOrder(context.Background(), domain.OrderRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSync, order.ExecutionMode)
	assert.Equal(t, uint64(7), order.Quote.OutputAmount)
}

func TestPlaceOrderMalformedResponse(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantReject bool
	}{
		{name: "transaction is not base64", body: `{"transaction":"%%%not-base64"}`, wantReject: true},
		{name: "transaction missing", body: `{"quote":{"outputAmount":7}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{})
			require.Error(t, err)

			var ve *domain.VenueError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.wantReject, errors.Is(err, domain.ErrVenueRejected))
			assert.Equal(t, !tt.wantReject, errors.Is(err, domain.ErrVenueUnavailable))
		})
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantReject bool
	}{
		{name: "bad request is terminal", status: http.StatusBadRequest, body: `{"error":"insufficient liquidity"}`, wantReject: true},
		{name: "unprocessable is terminal", status: http.StatusUnprocessableEntity, body: `{"message":"market closed"}`, wantReject: true},
		{name: "throttled is transient", status: http.StatusTooManyRequests, body: `slow down`},
		{name: "server error is transient", status: http.StatusBadGateway, body: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{})
			require.Error(t, err)

			var ve *domain.VenueError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.status, ve.StatusCode)
			assert.NotEmpty(t, ve.Message)
			assert.Equal(t, tt.wantReject, errors.Is(err, domain.ErrVenueRejected))
			assert.Equal(t, !tt.wantReject, errors.Is(err, domain.ErrVenueUnavailable))
		})
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(Config{TradeHost: srv.URL})

	_, err := c.OrderStatus(context.Background(), "sig")
	require.ErrorIs(t, err, domain.ErrVenueUnavailable)
}

func TestOrderStatus(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus domain.FillStatus
		wantAmount uint64
	}{
		{name: "pending", body: `{"status":"open"}`, wantStatus: domain.FillPending},
		{name: "filled sums fills", body: `{"status":"filled","fills":[{"outputAmount":"4"},{"outputAmount":6}]}`,
			wantStatus: domain.FillFilled, wantAmount: 10},
		{name: "filled total wins", body: `{"status":"filled","filledOutputAmount":"12","fills":[{"outputAmount":"4"}]}`,
			wantStatus: domain.FillFilled, wantAmount: 12},
		{name: "failed", body: `{"status":"failed"}`, wantStatus: domain.FillFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/order-status", r.URL.Path)
				assert.Equal(t, "5igSig", r.URL.Query().Get("signature"))
				_, _ = w.Write([]byte(tt.body))
			})
			fill, err := c.OrderStatus(context.Background(), "5igSig")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, fill.Status)
			assert.Equal(t, tt.wantAmount, fill.FilledOutputAmount)
		})
	}
}

func TestOutcomeMints(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/market/ABC-1":
			_, _ = w.Write([]byte(`{"market":{"ticker":"ABC-1","title":"Will ABC happen?","status":"active",
				"accounts":{"yesMint":"YES1","noMint":"NO1"}}}`))
		case "/api/v1/market/NOMINTS":
			_, _ = w.Write([]byte(`{"market":{"ticker":"NOMINTS","accounts":{}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	m, err := c.OutcomeMints(context.Background(), "ABC-1")
	require.NoError(t, err)
	assert.Equal(t, "YES1", m.MintFor(domain.SideYes))
	assert.Equal(t, "NO1", m.MintFor(domain.SideNo))
	assert.Equal(t, "Will ABC happen?", m.Title)

	_, err = c.OutcomeMints(context.Background(), "NOMINTS")
	require.ErrorIs(t, err, domain.ErrMarketUnavailable)

	_, err = c.OutcomeMints(context.Background(), "MISSING")
	require.ErrorIs(t, err, domain.ErrMarketUnavailable)
}

type countingResolver struct {
	calls atomic.Int32
	err   error
}

func (r *countingResolver) OutcomeMints(_ context.Context, ticker string) (domain.MarketMints, error) {
	r.calls.Add(1)
	if r.err != nil {
		return domain.MarketMints{}, r.err
	}
	return domain.MarketMints{Ticker: ticker, YesMint: "Y", NoMint: "N"}, nil
}

func TestCachedResolver(t *testing.T) {
	next := &countingResolver{}
	r := NewCachedResolver(next, time.Minute)

	for i := 0; i < 3; i++ {
		m, err := r.OutcomeMints(context.Background(), "ABC-1")
		require.NoError(t, err)
		assert.Equal(t, "Y", m.YesMint)
	}
	assert.Equal(t, int32(1), next.calls.Load())

	failing := &countingResolver{err: domain.ErrMarketUnavailable}
	r = NewCachedResolver(failing, time.Minute)
	_, err := r.OutcomeMints(context.Background(), "X")
	require.Error(t, err)
	_, err = r.OutcomeMints(context.Background(), "X")
	require.Error(t, err)
	assert.Equal(t, int32(2), failing.calls.Load(), "failures are not cached")
}
