package attestation

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ProofMode tags which proof variant a document carries. Verification
// dispatches on the tag; the two modes are never mixed in one document.
type ProofMode string

const (
	// ModeSignature is an eth-style secp256k1 signature over the
	// canonical bytes, 65 bytes hex encoded.
	ModeSignature ProofMode = "signature"
	// ModeHash is a sha256 digest of the canonical bytes, used when no
	// signing key is configured.
	ModeHash ProofMode = "attestation_hash"
)

const ethSignatureLength = 65

// Proof binds canonical payload bytes to a signing identity. Value is
// always lowercase hex.
type Proof struct {
	Mode  ProofMode `json:"mode"`
	Value string    `json:"value"`
}

// Signer produces proofs over canonical payloads for one identity.
type Signer struct {
	identity *Identity
}

func NewSigner(identity *Identity) *Signer {
	return &Signer{identity: identity}
}

// Sign computes the canonical bytes of payload and proves them under the
// current identity: a secp256k1 signature when a key is configured, a
// sha256 digest otherwise. Callers must carry the mode tag alongside the
// value since verification differs.
func (s *Signer) Sign(payload map[string]string) (Proof, error) {
	canonical := CanonicalBytes(payload)

	if !s.identity.CanSign() {
		sum := sha256.Sum256(canonical)
		return Proof{Mode: ModeHash, Value: hex.EncodeToString(sum[:])}, nil
	}

	// Standard Ethereum message signing (includes prefix)
	digest := accounts.TextHash(canonical)
	sig, err := crypto.Sign(digest, s.identity.PrivateKey)
	if err != nil {
		return Proof{}, fmt.Errorf("failed to sign canonical payload: %v", err)
	}
	return Proof{Mode: ModeSignature, Value: hex.EncodeToString(sig)}, nil
}

// Verify recomputes the canonical bytes of payload and checks the proof
// against them. signerAddress is only consulted for signature-mode
// proofs. Returns false on any mismatch, malformed encoding, or unknown
// mode - never panics and never returns an error.
func Verify(payload map[string]string, proof Proof, signerAddress common.Address) bool {
	canonical := CanonicalBytes(payload)

	switch proof.Mode {
	case ModeHash:
		sum := sha256.Sum256(canonical)
		expected := hex.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(expected), []byte(proof.Value)) == 1

	case ModeSignature:
		sig, err := hex.DecodeString(proof.Value)
		if err != nil || len(sig) != ethSignatureLength {
			return false
		}
		digest := accounts.TextHash(canonical)
		recovered, err := crypto.SigToPub(digest, sig)
		if err != nil {
			return false
		}
		return crypto.PubkeyToAddress(*recovered) == signerAddress

	default:
		return false
	}
}
