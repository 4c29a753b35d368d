// Package ledger wraps the Solana JSON-RPC API with the handful of calls the
// custody signer needs, translating node failures into domain errors.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// Commitment is a ledger confirmation level.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

func (c Commitment) rank() int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	}
	return 0
}

// Reaches reports whether c is at least as strong as want.
func (c Commitment) Reaches(want Commitment) bool {
	return c.rank() > 0 && c.rank() >= want.rank()
}

// Status is what the ledger knows about a submitted signature.
type Status struct {
	// Found is false while no node has seen the transaction.
	Found      bool
	Commitment Commitment
	// Err is the on-chain execution error, if the transaction failed.
	Err string
}

// Config holds the RPC endpoint settings.
type Config struct {
	RPCURL         string
	Commitment     Commitment
	MaxNodeRetries uint
}

// Client implements the ledger calls over JSON-RPC.
type Client struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
	maxRetries uint
}

// New creates an RPC-backed ledger client.
func New(cfg Config) *Client {
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = CommitmentConfirmed
	}
	retries := cfg.MaxNodeRetries
	if retries == 0 {
		retries = 3
	}
	return &Client{
		rpc:        rpc.New(cfg.RPCURL),
		commitment: rpc.CommitmentType(commitment),
		maxRetries: retries,
	}
}

// Close releases the underlying HTTP transport.
func (c *Client) Close() error {
	return c.rpc.Close()
}

// LatestBlockhash returns a recent blockhash at the configured commitment.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("ledger: latest blockhash: %w: %w", domain.ErrLedgerSubmission, err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, fmt.Errorf("ledger: latest blockhash: %w: empty response", domain.ErrLedgerSubmission)
	}
	return out.Value.Blockhash, nil
}

// SendTransaction submits a fully signed wire transaction with preflight
// simulation. A preflight rejection is a transaction failure, everything else
// is a submission failure.
func (c *Client) SendTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	retries := c.maxRetries
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
		MaxRetries:          &retries,
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == preflightFailureCode {
			return solana.Signature{}, fmt.Errorf("ledger: send transaction: %w: %s", domain.ErrTransactionFailed, rpcErr.Message)
		}
		return solana.Signature{}, fmt.Errorf("ledger: send transaction: %w: %w", domain.ErrLedgerSubmission, err)
	}
	return sig, nil
}

// preflightFailureCode is the JSON-RPC error code a node returns when
// transaction simulation fails.
const preflightFailureCode = -32002

// SignatureStatus looks up a submitted signature.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (Status, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return Status{}, fmt.Errorf("ledger: signature status %s: %w", sig, err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return Status{}, nil
	}

	v := out.Value[0]
	st := Status{Found: true, Commitment: Commitment(v.ConfirmationStatus)}
	if v.Err != nil {
		st.Err = fmt.Sprint(v.Err)
	}
	return st, nil
}

// AccountExists reports whether account has been created on the ledger.
func (c *Client) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := c.rpc.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{Commitment: c.commitment})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("ledger: account info %s: %w", account, err)
}

// TokenBalance returns the raw balance of a token account. A missing account
// has a zero balance.
func (c *Client) TokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	exists, err := c.AccountExists(ctx, account)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	out, err := c.rpc.GetTokenAccountBalance(ctx, account, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("ledger: token balance %s: %w", account, err)
	}
	if out == nil || out.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: parse token balance %q: %w", out.Value.Amount, err)
	}
	return amount, nil
}
