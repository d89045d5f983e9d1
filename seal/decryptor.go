package seal

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"tee-verify/shared"
)

// Decryption errors. ErrInsufficientQuorum means not enough key holders
// responded; it is permanent for the request and must not be retried.
// ErrDecryptFailed means the quorum was satisfied but the recovered key
// did not open the ciphertext.
var (
	ErrInsufficientQuorum = errors.New("insufficient quorum: not enough key servers responded")
	ErrDecryptFailed      = errors.New("decryption failed")
)

// State tracks where a decryption attempt is in its lifecycle, exposed
// for logging and the health surface.
type State string

const (
	StateIdle              State = "idle"
	StateMetadataExtracted State = "metadata_extracted"
	StateKeysCollecting    State = "keys_collecting"
	StateQuorumSatisfied   State = "quorum_satisfied"
	StateQuorumUnsatisfied State = "quorum_unsatisfied"
	StateDecrypted         State = "decrypted"
	StateFailed            State = "failed"
)

const (
	gcmNonceSize = 12
	kekInfo      = "tee-verify-kek"
)

// Decryptor recovers plaintext from sealed blobs by collecting key
// material from the configured key-server fleet. Safe for concurrent
// use; state reflects the most recent attempt.
type Decryptor struct {
	cfg        Config
	logger     *shared.Logger
	httpClient *http.Client

	mu    sync.Mutex
	state State
}

func NewDecryptor(cfg Config, logger *shared.Logger) *Decryptor {
	return &Decryptor{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.ContactTimeout},
		state:      StateIdle,
	}
}

func (d *Decryptor) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// State returns the lifecycle state of the most recent decryption
// attempt.
func (d *Decryptor) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Decrypt recovers plaintext from blob. Plain blobs pass through
// unchanged; sealed blobs require a weight-threshold quorum of key
// servers to release matching key material. On any post-quorum failure
// the error wraps ErrDecryptFailed and no partial plaintext is ever
// returned.
func (d *Decryptor) Decrypt(ctx context.Context, blob []byte, reqCtx RequestContext) ([]byte, error) {
	md, ciphertext := ExtractMetadata(blob)
	if md == nil && !LooksEncrypted(blob) {
		d.setState(StateIdle)
		return blob, nil
	}
	d.setState(StateMetadataExtracted)

	policyID := d.cfg.PackageID
	if md != nil {
		policyID = md.PolicyID
	}
	if reqCtx.SessionID == "" {
		reqCtx.SessionID = deriveSessionID(blob)
	}

	d.setState(StateKeysCollecting)
	shares := d.collectKeyShares(ctx, policyID, reqCtx)

	totalWeight := 0
	for _, share := range shares {
		totalWeight += share.Weight
	}
	if totalWeight < d.cfg.Threshold {
		d.setState(StateQuorumUnsatisfied)
		d.logger.Security("quorum not satisfied",
			zap.Int("collected_weight", totalWeight),
			zap.Int("threshold", d.cfg.Threshold),
			zap.Int("responders", len(shares)))
		return nil, fmt.Errorf("%w: weight %d of %d", ErrInsufficientQuorum, totalWeight, d.cfg.Threshold)
	}
	d.setState(StateQuorumSatisfied)

	material, err := reconstructMaterial(shares, d.cfg.Threshold)
	if err != nil {
		d.setState(StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	kek := deriveKEK(material, policyID)

	var plaintext []byte
	if md != nil {
		plaintext, err = openSealed(kek, md, ciphertext)
	} else {
		plaintext, err = openRaw(kek, ciphertext)
	}
	if err != nil {
		d.setState(StateFailed)
		d.logger.Security("ciphertext rejected by recovered key", zap.String("policy_id", policyID))
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	d.setState(StateDecrypted)
	d.logger.Info("blob decrypted",
		zap.String("policy_id", policyID),
		zap.Int("plaintext_bytes", len(plaintext)))
	return plaintext, nil
}

// deriveSessionID produces a stable per-blob session identifier from a
// digest of the blob prefix.
func deriveSessionID(blob []byte) string {
	prefix := blob
	if len(prefix) > 32 {
		prefix = prefix[:32]
	}
	sum := sha256.Sum256(prefix)
	return hex.EncodeToString(sum[:])[:16]
}

// reconstructMaterial groups shares by their key material and keeps the
// heaviest consistent group. Honest holders of the same policy return
// identical material, so a group failing to reach the threshold on its
// own means the responses disagree.
func reconstructMaterial(shares []KeyShareResponse, threshold int) ([]byte, error) {
	groups := make(map[string]int)
	for _, share := range shares {
		groups[share.KeyMaterial] += share.Weight
	}

	bestMaterial, bestWeight := "", 0
	for material, weight := range groups {
		if weight > bestWeight {
			bestMaterial, bestWeight = material, weight
		}
	}
	if bestWeight < threshold {
		return nil, fmt.Errorf("key servers returned inconsistent material (best group weight %d of %d)", bestWeight, threshold)
	}

	material, err := base64.StdEncoding.DecodeString(bestMaterial)
	if err != nil {
		return nil, fmt.Errorf("malformed key material: %v", err)
	}
	if len(material) == 0 {
		return nil, errors.New("empty key material")
	}
	return material, nil
}

// deriveKEK expands the policy key material into a 256-bit key
// encryption key, salted with the policy id so distinct policies never
// share a KEK even when backed by the same material.
func deriveKEK(material []byte, policyID string) []byte {
	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, material, []byte(policyID), []byte(kekInfo))
	if _, err := io.ReadFull(r, kek); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic(err)
	}
	return kek
}

// openSealed unwraps the data encryption key with the KEK, then opens
// the payload ciphertext with the DEK under the envelope IV.
func openSealed(kek []byte, md *Metadata, ciphertext []byte) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(md.EncryptedDEKBase64)
	if err != nil {
		return nil, fmt.Errorf("malformed wrapped key: %v", err)
	}
	iv, err := base64.StdEncoding.DecodeString(md.IVBase64)
	if err != nil {
		return nil, fmt.Errorf("malformed iv: %v", err)
	}
	if len(iv) != gcmNonceSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", gcmNonceSize, len(iv))
	}

	dek, err := gcmOpen(kek, wrapped)
	if err != nil {
		return nil, fmt.Errorf("key unwrap rejected: %v", err)
	}

	aead, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("payload rejected: %v", err)
	}
	return plaintext, nil
}

// openRaw handles blobs with no metadata envelope: the KEK opens the
// ciphertext directly, nonce carried in the first bytes.
func openRaw(kek, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < gcmNonceSize {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	return gcmOpen(kek, ciphertext)
}

// Seal is the encryption inverse of Decrypt for blobs carrying a
// metadata envelope: a fresh data encryption key encrypts the
// plaintext, and the KEK derived from the policy key material wraps the
// DEK.
func Seal(plaintext []byte, policyID string, material []byte) ([]byte, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %v", err)
	}
	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %v", err)
	}

	aead, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, iv, plaintext, nil)

	wrapped, err := gcmSeal(deriveKEK(material, policyID), dek)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %v", err)
	}

	return EncodeMetadata(&Metadata{
		PolicyID:           policyID,
		EncryptedDEKBase64: base64.StdEncoding.EncodeToString(wrapped),
		IVBase64:           base64.StdEncoding.EncodeToString(iv),
		Algorithm:          "aes-256-gcm",
	}, ciphertext)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %v", err)
	}
	return cipher.NewGCM(block)
}

// gcmSeal encrypts with a random nonce prepended to the output.
func gcmSeal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// gcmOpen is the inverse of gcmSeal, nonce read from the input prefix.
func gcmOpen(key, sealed []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcmNonceSize {
		return nil, errors.New("sealed input shorter than nonce")
	}
	return aead.Open(nil, sealed[:gcmNonceSize], sealed[gcmNonceSize:], nil)
}
