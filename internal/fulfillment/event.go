package fulfillment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// PaymentStatusPaid marks a checkout session whose funds were captured.
const PaymentStatusPaid = "paid"

// PaymentWebhook is the verified payment confirmation as delivered by the
// payment collaborator. Metadata values are the checkout's free-form
// strings.
type PaymentWebhook struct {
	SessionID     string          `json:"sessionId" validate:"required,max=255"`
	PaymentStatus string          `json:"paymentStatus" validate:"required"`
	Metadata      PaymentMetadata `json:"metadata" validate:"required"`
}

// Paid reports whether the session's payment was captured.
func (w PaymentWebhook) Paid() bool {
	return w.PaymentStatus == PaymentStatusPaid
}

// PaymentMetadata is the checkout metadata carried by the webhook. The
// recipient may be given as recipientContact or, as older checkouts do, as
// recipientEmail.
type PaymentMetadata struct {
	MarketTicker     string `json:"marketTicker" validate:"required,max=128"`
	MarketTitle      string `json:"marketTitle" validate:"max=512"`
	Side             string `json:"side" validate:"required,oneof=yes no"`
	Shares           string `json:"shares" validate:"required,numeric"`
	PricePerShare    string `json:"pricePerShare" validate:"required,numeric"`
	RecipientContact string `json:"recipientContact" validate:"required_without=RecipientEmail,max=320"`
	RecipientEmail   string `json:"recipientEmail" validate:"omitempty,email,max=320"`
	RecipientName    string `json:"recipientName" validate:"max=128"`
	GiftMessage      string `json:"giftMessage" validate:"max=1000"`
	SenderEmail      string `json:"senderEmail" validate:"omitempty,email,max=320"`
	SenderID         string `json:"senderId" validate:"max=255"`
}

// ParsePayment validates w and converts it to a PaymentEvent. Every
// problem is reported in one ErrInvalidEvent error.
func (o *Orchestrator) ParsePayment(w PaymentWebhook) (domain.PaymentEvent, error) {
	return parsePayment(o.validate, w)
}

func parsePayment(v *validator.Validate, w PaymentWebhook) (domain.PaymentEvent, error) {
	w.Metadata = trimMetadata(w.Metadata)

	var problems []string
	if err := v.Struct(w); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}

	shares, sharesErr := decimal.NewFromString(w.Metadata.Shares)
	price, priceErr := decimal.NewFromString(w.Metadata.PricePerShare)
	if sharesErr == nil && !shares.IsPositive() {
		problems = append(problems, "shares must be positive")
	}
	if priceErr == nil && (!price.IsPositive() || price.GreaterThan(decimal.NewFromInt(1))) {
		problems = append(problems, "pricePerShare must be in (0, 1]")
	}
	if len(problems) == 0 && (sharesErr != nil || priceErr != nil) {
		problems = append(problems, "shares and pricePerShare must be decimal numbers")
	}

	amount := shares.Mul(price)
	if len(problems) == 0 && toSmallestUnits(amount) == 0 {
		problems = append(problems, "payment amount rounds to zero")
	}
	if len(problems) > 0 {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %s", domain.ErrInvalidEvent, strings.Join(problems, "; "))
	}

	m := w.Metadata
	contact := m.RecipientContact
	if contact == "" {
		contact = m.RecipientEmail
	}
	title := m.MarketTitle
	if title == "" {
		title = m.MarketTicker
	}
	sender := m.SenderID
	if sender == "" {
		sender = m.SenderEmail
	}
	if sender == "" {
		sender = "checkout-" + w.SessionID
	}

	return domain.PaymentEvent{
		SessionID:        w.SessionID,
		MarketTicker:     m.MarketTicker,
		MarketTitle:      title,
		Side:             domain.Side(m.Side),
		Shares:           shares,
		PricePerShare:    price,
		AmountUSDC:       amount,
		RecipientContact: contact,
		RecipientName:    m.RecipientName,
		GiftMessage:      m.GiftMessage,
		SenderEmail:      m.SenderEmail,
		SenderID:         sender,
	}, nil
}

func trimMetadata(m PaymentMetadata) PaymentMetadata {
	m.MarketTicker = strings.TrimSpace(m.MarketTicker)
	m.MarketTitle = strings.TrimSpace(m.MarketTitle)
	m.Side = strings.ToLower(strings.TrimSpace(m.Side))
	m.Shares = strings.TrimSpace(m.Shares)
	m.PricePerShare = strings.TrimSpace(m.PricePerShare)
	m.RecipientContact = strings.TrimSpace(m.RecipientContact)
	m.RecipientEmail = strings.TrimSpace(m.RecipientEmail)
	m.RecipientName = strings.TrimSpace(m.RecipientName)
	m.SenderEmail = strings.TrimSpace(m.SenderEmail)
	m.SenderID = strings.TrimSpace(m.SenderID)
	return m
}

// toSmallestUnits converts a USDC amount to base units, rounding down so the
// venue is never asked to spend more than was paid.
func toSmallestUnits(amount decimal.Decimal) uint64 {
	units := amount.Shift(domain.USDCDecimals).Floor()
	if !units.IsPositive() {
		return 0
	}
	return units.BigInt().Uint64()
}

// shareUnits is the whole number of requested shares, the last-resort token
// amount when the venue reports none.
func shareUnits(shares decimal.Decimal) uint64 {
	whole := shares.Floor()
	if !whole.IsPositive() {
		return 0
	}
	return whole.BigInt().Uint64()
}
