package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrGenerateSigner reads a hex Ed25519 seed from path. When the file
// does not exist a new key is generated and written there with mode 0600,
// and its public key is written next to it as path+".pub".
func LoadOrGenerateSigner(path string) (*Ed25519Signer, error) {
	keyID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	keyHex, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(keyHex)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not a hex seed: %w", ErrInvalidKey, path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: %s holds %d bytes, want %d", ErrInvalidKey, path, len(seed), ed25519.SeedSize)
		}
		slog.Default().Info("loaded signing key", "component", "crypto", "path", path)
		return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	signer, err := NewEd25519Signer(keyID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(signer.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("save signing key: %w", err)
	}
	if err := os.WriteFile(path+".pub", []byte(signer.PublicKey()), 0o644); err != nil { //nolint:gosec // public key
		slog.Default().Warn("failed to save public key", "component", "crypto", "path", path+".pub", "error", err)
	}
	slog.Default().Warn("generated new signing key", "component", "crypto", "path", path)
	return signer, nil
}
