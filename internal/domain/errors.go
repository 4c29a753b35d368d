package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrLockHeld       = errors.New("lock already held")
	ErrInvalidEvent   = errors.New("invalid payment event")
	ErrInvalidRequest = errors.New("invalid request")
	ErrStatusConflict = errors.New("gift status changed concurrently")
	ErrLeaseHeld      = errors.New("gift is being processed by another task")

	// Claim outcomes that the claim page renders distinctly.
	ErrAlreadyClaimed  = errors.New("gift already claimed")
	ErrNotYetClaimable = errors.New("gift not yet ready to claim")
	ErrGiftExpired     = errors.New("gift expired")
	ErrClaimInProgress = errors.New("claim already in progress")

	// Venue and ledger failures reported by the lower layers. The orchestrator
	// decides whether they are terminal for a gift.
	ErrVenueRejected              = errors.New("venue rejected order")
	ErrVenueUnavailable           = errors.New("venue unavailable")
	ErrMarketUnavailable          = errors.New("market unavailable")
	ErrLedgerSubmission           = errors.New("ledger submission failed")
	ErrTransactionFailed          = errors.New("transaction failed on ledger")
	ErrConfirmationTimeout        = errors.New("ledger confirmation timed out")
	ErrInsufficientCustodyBalance = errors.New("insufficient custody balance")
)

// NotClaimableError is returned when a claim targets a gift whose status is
// anything other than pending_claim. It carries the observed status so the
// caller can render a status-specific message.
type NotClaimableError struct {
	Status GiftStatus
}

func (e *NotClaimableError) Error() string {
	return fmt.Sprintf("gift not claimable in status %s", e.Status)
}

// Is maps the observed status onto the matching sentinel.
func (e *NotClaimableError) Is(target error) bool {
	switch target {
	case ErrAlreadyClaimed:
		return e.Status == GiftStatusClaimed || e.Status == GiftStatusCashedOut || e.Status == GiftStatusSettled
	case ErrNotYetClaimable:
		return e.Status == GiftStatusPendingPayment
	case ErrGiftExpired:
		return e.Status == GiftStatusExpired
	}
	return false
}

// VenueError describes a failed call to the execution venue. Client errors
// (4xx) and malformed responses are terminal; server errors, throttling and
// transport failures are transient.
type VenueError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
	// Malformed marks a successful response whose payload cannot be used.
	Malformed bool
}

func (e *VenueError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("venue %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("venue %s: %s: %v", e.Op, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("venue %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("venue %s: %s", e.Op, e.Message)
}

func (e *VenueError) Unwrap() error { return e.Err }

// Terminal reports whether retrying the same request cannot succeed.
func (e *VenueError) Terminal() bool {
	if e.Malformed {
		return true
	}
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429 && e.StatusCode != 408
}

// Is lets callers match on ErrVenueRejected / ErrVenueUnavailable.
func (e *VenueError) Is(target error) bool {
	switch target {
	case ErrVenueRejected:
		return e.Terminal()
	case ErrVenueUnavailable:
		return !e.Terminal()
	}
	return false
}
