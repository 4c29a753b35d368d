package custody

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// decodeTransaction parses a venue-built transaction. The versioned wire
// format is tried first; on failure the bytes are re-read as a legacy
// transaction.
func decodeTransaction(raw []byte) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err == nil {
		return tx, nil
	}

	legacy, legacyErr := decodeLegacy(raw)
	if legacyErr != nil {
		return nil, fmt.Errorf("custody: decode transaction: %w (legacy: %v)", err, legacyErr)
	}
	return legacy, nil
}

func decodeLegacy(raw []byte) (*solana.Transaction, error) {
	d := bin.NewBinDecoder(raw)

	n, err := d.ReadCompactU16()
	if err != nil {
		return nil, fmt.Errorf("read signature count: %w", err)
	}
	if n < 0 || n > d.Remaining()/64 {
		return nil, fmt.Errorf("signature count %d exceeds payload", n)
	}

	tx := &solana.Transaction{Signatures: make([]solana.Signature, n)}
	for i := range tx.Signatures {
		if _, err := d.Read(tx.Signatures[i][:]); err != nil {
			return nil, fmt.Errorf("read signature %d: %w", i, err)
		}
	}
	if err := tx.Message.UnmarshalLegacy(d); err != nil {
		return nil, fmt.Errorf("read legacy message: %w", err)
	}
	return tx, nil
}
