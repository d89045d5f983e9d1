package attestation

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"tee-verify/shared"
)

// Identity is the signing/evaluation context for one process. The
// private key may be nil, in which case proofs degrade to hash mode.
// Loaded once at startup and treated as immutable for the process
// lifetime.
type Identity struct {
	EnclaveID  string
	PrivateKey *ecdsa.PrivateKey
}

// Address returns the secp256k1-derived address of the signing key, the
// public material a verifier needs for signature-mode proofs.
func (id *Identity) Address() common.Address {
	if id.PrivateKey == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(id.PrivateKey.PublicKey)
}

// CanSign reports whether signature-mode proofs are available.
func (id *Identity) CanSign() bool {
	return id.PrivateKey != nil
}

// LoadOrCreateIdentity loads a persisted hex-encoded secp256k1 key from
// keyPath, generating and persisting one exactly once if absent, so the
// same identity survives process restarts. An empty keyPath yields a
// keyless identity that signs in hash mode only.
func LoadOrCreateIdentity(enclaveID, keyPath string, logger *shared.Logger) (*Identity, error) {
	if keyPath == "" {
		logger.WarnIf("no signing key configured, attestation proofs fall back to hash mode")
		return &Identity{EnclaveID: enclaveID}, nil
	}

	if raw, err := os.ReadFile(keyPath); err == nil {
		key, err := crypto.HexToECDSA(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to parse persisted signing key %s: %v", keyPath, err)
		}
		id := &Identity{EnclaveID: enclaveID, PrivateKey: key}
		logger.InfoIf("loaded persisted signing key",
			zap.String("address", id.Address().Hex()))
		return id, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read signing key %s: %v", keyPath, err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %v", err)
	}
	encoded := hex.EncodeToString(crypto.FromECDSA(key))
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist signing key %s: %v", keyPath, err)
	}

	id := &Identity{EnclaveID: enclaveID, PrivateKey: key}
	logger.InfoIf("generated and persisted new signing key",
		zap.String("path", keyPath),
		zap.String("address", id.Address().Hex()))
	return id, nil
}
