// Command giftkey encrypts a custody private key into the file format read
// by custody.encrypted_key_path. With -generate it creates a fresh keypair
// instead of reading one.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/giftd/internal/crypto"
)

func main() {
	out := flag.String("out", "custody.key.json", "path of the encrypted key file to write")
	generate := flag.Bool("generate", false, "generate a new custody keypair")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	_ = godotenv.Load()

	if err := run(*out, *generate, os.Getenv("GIFTD_CUSTODY_PRIVATE_KEY"), os.Getenv("GIFTD_CUSTODY_KEY_PASSWORD")); err != nil {
		logger.Error("giftkey failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(out string, generate bool, rawKey, password string) error {
	if password == "" {
		return fmt.Errorf("giftkey: GIFTD_CUSTODY_KEY_PASSWORD must be set")
	}

	var key solana.PrivateKey
	var err error
	if generate {
		key, err = solana.NewRandomPrivateKey()
	} else {
		key, err = crypto.ParsePrivateKey(rawKey)
	}
	if err != nil {
		return fmt.Errorf("giftkey: resolve key: %w", err)
	}

	data, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("giftkey: write %s: %w", out, err)
	}

	fmt.Printf("wrote %s for custody address %s\n", out, key.PublicKey())
	return nil
}
