package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"time"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// EmailConfig points at the email-sending collaborator.
type EmailConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// EmailDispatcher posts claim notifications to the email service. Without a
// URL it logs the notification and reports success.
type EmailDispatcher struct {
	cfg    EmailConfig
	client *http.Client
	logger *slog.Logger
}

var _ domain.ClaimNotifier = (*EmailDispatcher)(nil)

// NewEmailDispatcher creates an EmailDispatcher.
func NewEmailDispatcher(cfg EmailConfig, logger *slog.Logger) *EmailDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &EmailDispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(slog.String("component", "email")),
	}
}

// NotifyClaimable sends the claim link to n.To.
func (e *EmailDispatcher) NotifyClaimable(ctx context.Context, n domain.ClaimNotification) error {
	if !IsEmail(n.To) {
		return fmt.Errorf("email: recipient %q is not an email address", n.To)
	}
	if e.cfg.URL == "" {
		e.logger.InfoContext(ctx, "email service not configured, skipping send",
			slog.String("to", n.To),
			slog.String("claim_url", n.ClaimURL),
		)
		return nil
	}

	var headers map[string]string
	if e.cfg.APIKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + e.cfg.APIKey}
	}
	if err := postJSON(ctx, e.client, e.cfg.URL, headers, n); err != nil {
		return fmt.Errorf("email: %w", err)
	}

	e.logger.InfoContext(ctx, "claim email sent", slog.String("to", n.To))
	return nil
}

// IsEmail reports whether contact parses as a bare email address.
func IsEmail(contact string) bool {
	addr, err := mail.ParseAddress(contact)
	return err == nil && addr.Address == contact
}
