package simulated

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/giftd/internal/domain"
)

func TestVenueAsyncFill(t *testing.T) {
	ctx := context.Background()
	v := NewVenue()
	v.Mode = domain.ExecutionAsync
	v.FillAfter = 2

	placed, err := v.PlaceOrder(ctx, domain.OrderRequest{InputMint: "usdc", OutputMint: "yes", Amount: 4_200_000})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionAsync, placed.ExecutionMode)
	assert.Equal(t, uint64(4_200_000), placed.Quote.InputAmount)

	for range 2 {
		fill, err := v.OrderStatus(ctx, "sig-1")
		require.NoError(t, err)
		assert.Equal(t, domain.FillPending, fill.Status)
	}
	fill, err := v.OrderStatus(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, domain.FillFilled, fill.Status)
}

func TestVenueRejects(t *testing.T) {
	ctx := context.Background()
	v := NewVenue()

	_, err := v.PlaceOrder(ctx, domain.OrderRequest{})
	var venueErr *domain.VenueError
	require.True(t, errors.As(err, &venueErr))
	assert.Equal(t, 400, venueErr.StatusCode)

	_, err = v.OutcomeMints(ctx, "")
	assert.ErrorIs(t, err, domain.ErrMarketUnavailable)

	mints, err := v.OutcomeMints(ctx, "KXA")
	require.NoError(t, err)
	assert.Equal(t, "demo-no-mint-KXA", mints.MintFor(domain.SideNo))
}

func TestLedgerRecordsTransfers(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	_, err := solana.PublicKeyFromBase58(l.PublicKey())
	require.NoError(t, err)

	_, err = l.SignAndSubmit(ctx, nil, nil)
	assert.ErrorIs(t, err, domain.ErrTransactionFailed)

	var recorded string
	sig, err := l.SignAndSubmit(ctx, []byte("tx"), func(_ context.Context, txRef string) error {
		recorded = txRef
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, sig, recorded)
	require.NoError(t, l.AwaitConfirmation(ctx, sig))

	to := solana.NewWallet().PublicKey().String()
	_, err = l.Transfer(ctx, "mint", to, 10, func(context.Context, string) error { return errors.New("store down") })
	require.Error(t, err)
	assert.Empty(t, l.Transfers())

	_, err = l.Transfer(ctx, "mint", to, 10, nil)
	require.NoError(t, err)
	transfers := l.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, Transfer{Signature: transfers[0].Signature, Mint: "mint", To: to, Amount: 10}, transfers[0])
}
