package domain

import "context"

// ClaimNotification is sent to a recipient once their gift can be claimed.
type ClaimNotification struct {
	To            string `json:"to"`
	RecipientName string `json:"recipientName"`
	SenderName    string `json:"senderName"`
	MarketTitle   string `json:"marketTitle"`
	Side          Side   `json:"side"`
	Shares        uint64 `json:"shares"`
	GiftMessage   string `json:"giftMessage"`
	ClaimURL      string `json:"claimUrl"`
}

// ClaimNotifier delivers claim links. Callers treat failures as best effort.
type ClaimNotifier interface {
	NotifyClaimable(ctx context.Context, n ClaimNotification) error
}

// Operator alert event types.
const (
	EventGiftExpired         = "gift_expired"
	EventClaimFailed         = "claim_failed"
	EventCustodyInsufficient = "custody_insufficient"
)

// Alerter sends operator alerts filtered by event type.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// PurchaseDispatcher schedules the purchase stage of a gift as its own task.
type PurchaseDispatcher interface {
	DispatchPurchase(ctx context.Context, giftID string) error
}
