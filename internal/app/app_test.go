package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/giftd/internal/config"
	"github.com/alanyoungcy/giftd/internal/domain"
	"github.com/alanyoungcy/giftd/internal/store/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func call(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "198.51.100.4:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestDemoGiftLifecycle(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "demo"
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	a := New(&cfg, quietLogger())
	deps, cleanup, err := Wire(ctx, &cfg, a.logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		cleanup()
	})

	require.NotNil(t, deps.Inline)
	require.Nil(t, deps.SignerLoop)
	h := a.newServer(deps, nil, true).Handler()

	code, created := call(t, h, "POST", "/api/demo/gifts",
		`{"marketTicker":"KXTEST-26","side":"yes","shares":"10","pricePerShare":"0.42","recipientContact":"friend@example.com","recipientName":"Sam"}`)
	require.Equal(t, http.StatusCreated, code, created)
	giftID, _ := created["giftId"].(string)
	require.NotEmpty(t, giftID)
	assert.Contains(t, created["claimUrl"], giftID)

	require.Eventually(t, func() bool {
		_, view := call(t, h, "GET", "/api/gifts/"+giftID, "")
		return view["status"] == string(domain.GiftStatusPendingClaim)
	}, 5*time.Second, 20*time.Millisecond)

	wallet := solana.NewWallet().PublicKey().String()
	code, claimed := call(t, h, "POST", "/api/gifts/"+giftID+"/claim",
		`{"recipientAddress":"`+wallet+`"}`)
	require.Equal(t, http.StatusOK, code, claimed)

	code, view := call(t, h, "GET", "/api/gifts/"+giftID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(domain.GiftStatusClaimed), view["status"])

	code, again := call(t, h, "POST", "/api/gifts/"+giftID+"/claim",
		`{"recipientAddress":"`+wallet+`"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_claimed", again["code"])

	code, health := call(t, h, "GET", "/api/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", health["status"])
}

func TestRunPeriodic(t *testing.T) {
	a := New(&config.Config{}, quietLogger())

	t.Run("runs until cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var runs atomic.Int32
		done := make(chan error, 1)
		go func() {
			done <- a.runPeriodic(ctx, memory.NewLockManager(), "job", 5*time.Millisecond, func(context.Context) error {
				if runs.Add(1) == 2 {
					return errors.New("boom")
				}
				return nil
			})
		}()

		require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("runPeriodic did not stop")
		}
	})

	t.Run("skips while lock is held elsewhere", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
		defer cancel()

		locks := memory.NewLockManager()
		unlock, err := locks.Acquire(ctx, "job", time.Minute)
		require.NoError(t, err)
		defer unlock()

		var runs atomic.Int32
		err = a.runPeriodic(ctx, locks, "job", 5*time.Millisecond, func(context.Context) error {
			runs.Add(1)
			return nil
		})
		require.NoError(t, err)
		assert.Zero(t, runs.Load())
	})
}
