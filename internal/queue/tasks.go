// Package queue runs the purchase stage of each gift as its own task, on
// asynq in production and on a goroutine in demo mode.
package queue

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TypePurchase is the task type for buying a gift's outcome tokens.
const TypePurchase = "gift:purchase"

// PurchasePayload identifies the gift to buy for.
type PurchasePayload struct {
	GiftID string `json:"gift_id"`
}

// Purchaser runs the purchase stage for one gift.
type Purchaser interface {
	Purchase(ctx context.Context, giftID string) error
}

// PurchaseFunc adapts a function to Purchaser.
type PurchaseFunc func(ctx context.Context, giftID string) error

// Purchase calls f.
func (f PurchaseFunc) Purchase(ctx context.Context, giftID string) error {
	return f(ctx, giftID)
}

func encodePurchase(giftID string) ([]byte, error) {
	payload, err := json.Marshal(PurchasePayload{GiftID: giftID})
	if err != nil {
		return nil, fmt.Errorf("queue: encode purchase payload: %w", err)
	}
	return payload, nil
}

func decodePurchase(data []byte) (PurchasePayload, error) {
	var p PurchasePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("queue: decode purchase payload: %w", err)
	}
	if p.GiftID == "" {
		return p, fmt.Errorf("queue: purchase payload missing gift_id")
	}
	return p, nil
}
