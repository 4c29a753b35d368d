// Package custody owns the service keypair. The Signer serializes every
// signing and submission through one queue; the Transferer moves held outcome
// tokens to recipients.
package custody

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/alanyoungcy/giftd/internal/ledger"
)

// Ledger is the subset of the ledger RPC the custody package depends on.
type Ledger interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, raw []byte) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (ledger.Status, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	TokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
}

var _ Ledger = (*ledger.Client)(nil)
