package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/alanyoungcy/giftd/internal/domain"
)

// Transferer moves outcome tokens from the custody token account to a
// recipient wallet, creating the recipient's token account in the same
// transaction when it does not exist yet.
type Transferer struct {
	signer *Signer
	ledger Ledger
	logger *slog.Logger
}

var _ domain.CustodyTransferer = (*Transferer)(nil)

// NewTransferer creates a transferer that signs through signer.
func NewTransferer(signer *Signer, l Ledger, logger *slog.Logger) *Transferer {
	return &Transferer{
		signer: signer,
		ledger: l,
		logger: logger.With(slog.String("component", "transferer")),
	}
}

// Transfer sends amount smallest units of mint to the wallet to and waits
// for confirmation. A short custody balance yields
// ErrInsufficientCustodyBalance before anything is submitted. When the send
// fails in transit the signature is confirmed anyway, so a transfer the node
// accepted is reported as done rather than as a failure to retry.
func (t *Transferer) Transfer(ctx context.Context, mint, to string, amount uint64, before domain.BeforeSend) (string, error) {
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("custody: parse mint %q: %w", mint, err)
	}
	recipient, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("custody: parse recipient %q: %w", to, err)
	}
	if amount == 0 {
		return "", fmt.Errorf("custody: transfer of zero %s", mint)
	}

	owner := t.signer.Account()
	source, _, err := solana.FindAssociatedTokenAddress(owner, mintKey)
	if err != nil {
		return "", fmt.Errorf("custody: derive custody token account: %w", err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(recipient, mintKey)
	if err != nil {
		return "", fmt.Errorf("custody: derive recipient token account: %w", err)
	}

	balance, err := t.ledger.TokenBalance(ctx, source)
	if err != nil {
		return "", fmt.Errorf("custody: read custody balance: %w: %w", domain.ErrLedgerSubmission, err)
	}
	if balance < amount {
		return "", fmt.Errorf("custody: hold %d of %s, need %d: %w", balance, mint, amount, domain.ErrInsufficientCustodyBalance)
	}

	exists, err := t.ledger.AccountExists(ctx, destination)
	if err != nil {
		return "", fmt.Errorf("custody: check recipient token account: %w: %w", domain.ErrLedgerSubmission, err)
	}

	var instructions []solana.Instruction
	if !exists {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(owner, recipient, mintKey).Build())
	}
	instructions = append(instructions,
		token.NewTransferInstruction(amount, source, destination, owner, []solana.PublicKey{}).Build())

	sig, err := t.signer.SubmitWithFreshBlockhash(ctx, func(blockhash solana.Hash) (*solana.Transaction, error) {
		return solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(owner))
	}, before)
	switch {
	case err == nil:
	case sig != "" && errors.Is(err, domain.ErrLedgerSubmission):
		t.logger.Warn("transfer send failed in transit, confirming signature",
			slog.String("signature", sig),
			slog.String("error", err.Error()),
		)
	default:
		return sig, err
	}

	t.logger.Info("transfer submitted",
		slog.String("signature", sig),
		slog.String("mint", mint),
		slog.String("recipient", to),
		slog.Uint64("amount", amount),
		slog.Bool("created_token_account", !exists),
	)

	if err := t.signer.AwaitConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}
