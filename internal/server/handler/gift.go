package handler

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/giftd/internal/domain"
	"github.com/alanyoungcy/giftd/internal/fulfillment"
)

// GiftService is the read and claim surface of the orchestrator.
type GiftService interface {
	Lookup(ctx context.Context, id string) (domain.PublicGift, error)
	Claim(ctx context.Context, req domain.ClaimRequest) (domain.ClaimResult, error)
	History(ctx context.Context, q fulfillment.HistoryQuery) ([]domain.Gift, error)
	AuditTrail(ctx context.Context, id string) ([]domain.AuditEntry, error)
	RedemptionOrder(ctx context.Context, giftID, owner string) (domain.PlacedOrder, error)
}

// claimBody is the claim request body; the gift id comes from the path.
type claimBody struct {
	RecipientAddress    string `json:"recipientAddress" validate:"required,max=64"`
	RecipientIdentityID string `json:"recipientIdentityId" validate:"max=255"`
}

type redeemBody struct {
	Owner string `json:"owner" validate:"required,max=64"`
}

type redeemResponse struct {
	GiftID        string               `json:"giftId"`
	Transaction   string               `json:"transaction"`
	ExecutionMode domain.ExecutionMode `json:"executionMode"`
	InputAmount   uint64               `json:"inputAmount"`
	OutputAmount  uint64               `json:"outputAmount"`
	Price         string               `json:"price,omitempty"`
}

type auditEntryResponse struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"createdAt"`
}

// GiftHandler serves gift lookup, claim, history and redemption.
type GiftHandler struct {
	svc    GiftService
	logger *slog.Logger
}

// NewGiftHandler creates a GiftHandler.
func NewGiftHandler(svc GiftService, logger *slog.Logger) *GiftHandler {
	return &GiftHandler{svc: svc, logger: logger.With(slog.String("handler", "gift"))}
}

// GetGift returns the sender-anonymized view of a gift.
// GET /api/gifts/{id}
func (h *GiftHandler) GetGift(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.Lookup(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// ClaimGift transfers a pending gift to the recipient's wallet.
// POST /api/gifts/{id}/claim
func (h *GiftHandler) ClaimGift(w http.ResponseWriter, r *http.Request) {
	var body claimBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	res, err := h.svc.Claim(r.Context(), domain.ClaimRequest{
		GiftID:              pathParam(r, "id"),
		RecipientAddress:    body.RecipientAddress,
		RecipientIdentityID: body.RecipientIdentityID,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListGifts returns a page of gifts for exactly one of the recipient,
// sender or identity query parameters.
// GET /api/gifts?recipient=|sender=|identity=&limit=&offset=
func (h *GiftHandler) ListGifts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gifts, err := h.svc.History(r.Context(), fulfillment.HistoryQuery{
		RecipientContact:  q.Get("recipient"),
		SenderID:          q.Get("sender"),
		RecipientIdentity: q.Get("identity"),
		Limit:             queryInt(r, "limit", 0),
		Offset:            queryInt(r, "offset", 0),
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if gifts == nil {
		gifts = []domain.Gift{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"gifts": gifts, "count": len(gifts)})
}

// GiftAudit returns the audit trail of one gift, oldest first.
// GET /api/gifts/{id}/audit
func (h *GiftHandler) GiftAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.AuditTrail(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]auditEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = auditEntryResponse{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// RedeemGift returns an unsigned sell order for a claimed gift. The owner
// signs and submits it.
// POST /api/gifts/{id}/redeem
func (h *GiftHandler) RedeemGift(w http.ResponseWriter, r *http.Request) {
	var body redeemBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	id := pathParam(r, "id")
	order, err := h.svc.RedemptionOrder(r.Context(), id, body.Owner)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemResponse{
		GiftID:        id,
		Transaction:   base64.StdEncoding.EncodeToString(order.Transaction),
		ExecutionMode: order.ExecutionMode,
		InputAmount:   order.Quote.InputAmount,
		OutputAmount:  order.Quote.OutputAmount,
		Price:         order.Quote.Price,
	})
}
