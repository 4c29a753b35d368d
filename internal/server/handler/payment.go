package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/giftd/internal/domain"
	"github.com/alanyoungcy/giftd/internal/fulfillment"
)

// SignatureHeader carries the "t=<unix>,v1=<hex>" webhook signature.
const SignatureHeader = "X-Signature"

// PaymentService turns payment confirmations into gifts.
type PaymentService interface {
	ParsePayment(w fulfillment.PaymentWebhook) (domain.PaymentEvent, error)
	HandlePaymentConfirmed(ctx context.Context, evt domain.PaymentEvent) (domain.Gift, bool, error)
	ClaimURL(id string) string
}

// Verifier checks a webhook body signature.
type Verifier interface {
	Verify(body []byte, signature string) bool
}

// giftCreatedResponse is returned once a payment has a gift.
type giftCreatedResponse struct {
	GiftID   string            `json:"giftId"`
	Status   domain.GiftStatus `json:"status"`
	Created  bool              `json:"created"`
	ClaimURL string            `json:"claimUrl"`
}

// PaymentHandler receives payment confirmations from the payment
// collaborator.
type PaymentHandler struct {
	svc      PaymentService
	verifier Verifier
	logger   *slog.Logger
}

// NewPaymentHandler creates a PaymentHandler.
func NewPaymentHandler(svc PaymentService, verifier Verifier, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		svc:      svc,
		verifier: verifier,
		logger:   logger.With(slog.String("handler", "payment")),
	}
}

// Confirmed verifies and handles a payment confirmation. Unpaid sessions
// are acknowledged and ignored. When the purchase cannot be scheduled the
// response is 503 so the collaborator redelivers; the redelivery finds the
// existing gift and schedules it again.
// POST /api/payments/confirmed
func (h *PaymentHandler) Confirmed(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if !h.verifier.Verify(body, r.Header.Get(SignatureHeader)) {
		h.logger.WarnContext(r.Context(), "rejected unsigned payment webhook",
			slog.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid signature")
		return
	}

	var hook fulfillment.PaymentWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if !hook.Paid() {
		h.logger.InfoContext(r.Context(), "ignoring unpaid session",
			slog.String("session_id", hook.SessionID),
			slog.String("payment_status", hook.PaymentStatus),
		)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	h.handle(w, r, hook)
}

func (h *PaymentHandler) handle(w http.ResponseWriter, r *http.Request, hook fulfillment.PaymentWebhook) {
	evt, err := h.svc.ParsePayment(hook)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	g, created, err := h.svc.HandlePaymentConfirmed(r.Context(), evt)
	if err != nil {
		if g.ID == "" || errors.Is(err, domain.ErrNotFound) {
			writeDomainError(w, r, h.logger, err)
			return
		}
		h.logger.ErrorContext(r.Context(), "purchase not scheduled",
			slog.String("gift_id", g.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "gift recorded but purchase not scheduled, retry delivery")
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, giftCreatedResponse{
		GiftID:   g.ID,
		Status:   g.Status,
		Created:  created,
		ClaimURL: h.svc.ClaimURL(g.ID),
	})
}
