package handler

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/alanyoungcy/giftd/internal/fulfillment"
)

// DemoHandler creates gifts without a payment collaborator. It is only
// registered in demo mode.
type DemoHandler struct {
	payments *PaymentHandler
	logger   *slog.Logger
}

// NewDemoHandler creates a DemoHandler that feeds synthetic payments through
// the same path as verified webhooks.
func NewDemoHandler(svc PaymentService, logger *slog.Logger) *DemoHandler {
	return &DemoHandler{
		payments: &PaymentHandler{svc: svc, logger: logger.With(slog.String("handler", "demo"))},
		logger:   logger.With(slog.String("handler", "demo")),
	}
}

// CreateGift synthesizes a paid checkout session from the posted metadata.
// POST /api/demo/gifts
func (h *DemoHandler) CreateGift(w http.ResponseWriter, r *http.Request) {
	var meta fulfillment.PaymentMetadata
	if err := decodeJSON(w, r, &meta); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	session := "demo_" + uuid.NewString()
	h.logger.InfoContext(r.Context(), "demo payment", slog.String("session_id", session))
	h.payments.handle(w, r, fulfillment.PaymentWebhook{
		SessionID:     session,
		PaymentStatus: fulfillment.PaymentStatusPaid,
		Metadata:      meta,
	})
}
