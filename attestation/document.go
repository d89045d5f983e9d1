package attestation

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tee-verify/measurement"
)

// Payload field names reserved alongside the measurement registers.
const (
	fieldTimestamp = "timestamp"
	fieldEnclaveID = "enclave_id"
)

// Document is a signed attestation: the measurement registers, signing
// identity and timestamp, bound by a proof over their canonical
// serialization. Never mutated after creation - a changed field implies
// a new document.
type Document struct {
	Measurements map[string]string
	EnclaveID    string
	Timestamp    string
	Proof        Proof
}

// NewDocument measures, timestamps and signs in one step.
func NewDocument(set *measurement.Set, identity *Identity, signer *Signer, now time.Time) (*Document, error) {
	doc := &Document{
		Measurements: set.CanonicalMap(),
		EnclaveID:    identity.EnclaveID,
		Timestamp:    FormatTimestamp(now),
	}
	proof, err := signer.Sign(doc.Payload())
	if err != nil {
		return nil, err
	}
	doc.Proof = proof
	return doc, nil
}

// Payload assembles the canonical payload map: every measurement
// register plus timestamp and enclave id. The proof itself is excluded.
func (d *Document) Payload() map[string]string {
	payload := make(map[string]string, len(d.Measurements)+2)
	for k, v := range d.Measurements {
		payload[k] = v
	}
	payload[fieldTimestamp] = d.Timestamp
	payload[fieldEnclaveID] = d.EnclaveID
	return payload
}

// MarshalJSON emits the flat wire form: canonical payload fields plus
// exactly one of "signature" or "attestation_hash" depending on mode.
func (d *Document) MarshalJSON() ([]byte, error) {
	wire := d.Payload()
	wire[string(d.Proof.Mode)] = d.Proof.Value
	return json.Marshal(wire)
}

// UnmarshalJSON parses the flat wire form back into a Document. A wire
// object carrying both proof keys is rejected as malformed.
func (d *Document) UnmarshalJSON(data []byte) error {
	var wire map[string]string
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	sig, hasSig := wire[string(ModeSignature)]
	hash, hasHash := wire[string(ModeHash)]
	switch {
	case hasSig && hasHash:
		return errAmbiguousProof
	case hasSig:
		d.Proof = Proof{Mode: ModeSignature, Value: sig}
	case hasHash:
		d.Proof = Proof{Mode: ModeHash, Value: hash}
	default:
		return errMissingProof
	}
	delete(wire, string(ModeSignature))
	delete(wire, string(ModeHash))

	d.Timestamp = wire[fieldTimestamp]
	d.EnclaveID = wire[fieldEnclaveID]
	delete(wire, fieldTimestamp)
	delete(wire, fieldEnclaveID)
	d.Measurements = wire
	return nil
}

// VerifyPolicy is an explicit immutable verification configuration, so
// multiple policies can coexist instead of sharing process-wide
// expected-measurement state.
type VerifyPolicy struct {
	// ExpectedMeasurements, when non-nil, must match the document's
	// register map exactly (same names, same digests).
	ExpectedMeasurements map[string]string
	// SignerAddress is the public material for signature-mode proofs.
	SignerAddress common.Address
	// MaxSkew bounds the freshness window; zero disables the check.
	MaxSkew time.Duration
}

// VerifyDocument checks the proof, the optional expected measurements
// and the optional freshness window. Returns false, never an error.
func (p VerifyPolicy) VerifyDocument(doc *Document, now time.Time) bool {
	if doc == nil {
		return false
	}
	if p.ExpectedMeasurements != nil {
		expected := measurement.FromMap(p.ExpectedMeasurements)
		if !expected.Equal(measurement.FromMap(doc.Measurements)) {
			return false
		}
	}
	if !Verify(doc.Payload(), doc.Proof, p.SignerAddress) {
		return false
	}
	if p.MaxSkew > 0 && !IsFresh(doc.Timestamp, now, p.MaxSkew) {
		return false
	}
	return true
}
