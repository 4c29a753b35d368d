package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/giftd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{domain.EventGiftExpired}, testLogger())

	require.NoError(t, n.Notify(context.Background(), domain.EventGiftExpired, "expired", "gift g1"))
	require.NoError(t, n.Notify(context.Background(), domain.EventClaimFailed, "claim", "gift g2"))
	require.NoError(t, n.NotifyAll(context.Background(), "all", "x"))

	assert.Equal(t, []string{"expired", "all"}, s.titles)
}

func TestNotifierCollectsSenderFailures(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.Notify(context.Background(), domain.EventClaimFailed, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.titles, 1)
}

func TestNotifierWithoutSenders(t *testing.T) {
	n := NewNotifier(nil, nil, testLogger())
	require.NoError(t, n.Notify(context.Background(), domain.EventGiftExpired, "t", "m"))
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTelegramSender(srv.URL, "TOKEN", "42")
	require.NoError(t, s.Send(context.Background(), "gift_expired", "gift abc_1"))

	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*gift\\_expired*\ngift abc\\_1", got["text"])
}

func TestDiscordSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}

func TestEmailDispatcher(t *testing.T) {
	notification := domain.ClaimNotification{
		To:            "bob@example.com",
		RecipientName: "Bob",
		SenderName:    "alice",
		MarketTitle:   "Will ABC happen?",
		Side:          domain.SideYes,
		Shares:        10,
		ClaimURL:      "http://localhost:3001/gift/g1",
	}

	t.Run("posts payload", func(t *testing.T) {
		var got domain.ClaimNotification
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		d := NewEmailDispatcher(EmailConfig{URL: srv.URL, APIKey: "key"}, testLogger())
		require.NoError(t, d.NotifyClaimable(context.Background(), notification))
		assert.Equal(t, notification, got)
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		d := NewEmailDispatcher(EmailConfig{URL: srv.URL}, testLogger())
		require.Error(t, d.NotifyClaimable(context.Background(), notification))
	})

	t.Run("unconfigured skips", func(t *testing.T) {
		d := NewEmailDispatcher(EmailConfig{}, testLogger())
		require.NoError(t, d.NotifyClaimable(context.Background(), notification))
	})

	t.Run("non-email contact", func(t *testing.T) {
		d := NewEmailDispatcher(EmailConfig{}, testLogger())
		n := notification
		n.To = "+15550100"
		require.Error(t, d.NotifyClaimable(context.Background(), n))
	})
}

func TestIsEmail(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"bob@example.com", true},
		{"Bob <bob@example.com>", false},
		{"+15550100", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsEmail(tt.in), tt.in)
	}
}
