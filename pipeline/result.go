package pipeline

import (
	"encoding/json"
	"errors"
	"strconv"

	"tee-verify/attestation"
	"tee-verify/scoring"
)

var (
	errAmbiguousResultProof = errors.New("ml result carries both signature and result_hash")
	errMissingResultProof   = errors.New("ml result carries no proof")
)

// MLResult is the signed evaluation outcome inside a verification
// result. The proof covers the canonical payload of model hash, quality
// score, request id and timestamp; the timestamp lives in the enclosing
// result metadata.
type MLResult struct {
	RequestID    string
	ModelHash    string
	QualityScore int
	Predictions  []float64
	Confidence   float64
	Proof        attestation.Proof
}

// payload assembles the canonical map the ml result proof covers.
func (r *MLResult) payload(timestamp string) map[string]string {
	return map[string]string{
		"model_hash":    r.ModelHash,
		"quality_score": strconv.Itoa(r.QualityScore),
		"request_id":    r.RequestID,
		"timestamp":     timestamp,
	}
}

type mlResultWire struct {
	RequestID    string    `json:"request_id"`
	ModelHash    string    `json:"model_hash"`
	QualityScore int       `json:"quality_score"`
	Predictions  []float64 `json:"predictions"`
	Confidence   float64   `json:"confidence"`
	Signature    string    `json:"signature,omitempty"`
	ResultHash   string    `json:"result_hash,omitempty"`
}

// MarshalJSON emits exactly one of "signature" or "result_hash"
// depending on the proof mode.
func (r MLResult) MarshalJSON() ([]byte, error) {
	wire := mlResultWire{
		RequestID:    r.RequestID,
		ModelHash:    r.ModelHash,
		QualityScore: r.QualityScore,
		Predictions:  r.Predictions,
		Confidence:   r.Confidence,
	}
	if wire.Predictions == nil {
		wire.Predictions = []float64{}
	}
	switch r.Proof.Mode {
	case attestation.ModeSignature:
		wire.Signature = r.Proof.Value
	default:
		wire.ResultHash = r.Proof.Value
	}
	return json.Marshal(wire)
}

func (r *MLResult) UnmarshalJSON(data []byte) error {
	var wire mlResultWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch {
	case wire.Signature != "" && wire.ResultHash != "":
		return errAmbiguousResultProof
	case wire.Signature != "":
		r.Proof = attestation.Proof{Mode: attestation.ModeSignature, Value: wire.Signature}
	case wire.ResultHash != "":
		r.Proof = attestation.Proof{Mode: attestation.ModeHash, Value: wire.ResultHash}
	default:
		return errMissingResultProof
	}
	r.RequestID = wire.RequestID
	r.ModelHash = wire.ModelHash
	r.QualityScore = wire.QualityScore
	r.Predictions = wire.Predictions
	r.Confidence = wire.Confidence
	return nil
}

// ResultMetadata describes the provenance of a verification result.
type ResultMetadata struct {
	EnclaveID      string `json:"enclave_id"`
	Source         string `json:"source"`
	Timestamp      string `json:"timestamp"`
	AssessmentType string `json:"assessment_type"`
}

// VerificationResult binds an attestation document and a signed ml
// result under one request id. Report carries the full evaluation
// detail for callers; it is not part of the wire form the proofs cover.
type VerificationResult struct {
	RequestID   string                `json:"request_id"`
	Attestation *attestation.Document `json:"tee_attestation"`
	MLResult    MLResult              `json:"ml_processing_result"`
	Metadata    ResultMetadata        `json:"verification_metadata"`

	Report *scoring.Report `json:"-"`
}
