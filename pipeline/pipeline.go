// Package pipeline runs the full verification flow: decrypt inputs,
// evaluate the model, then attest the outcome under the enclave
// identity.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tee-verify/attestation"
	"tee-verify/measurement"
	"tee-verify/scoring"
	"tee-verify/seal"
	"tee-verify/shared"
)

const (
	// DefaultSource tags where a verification result was produced.
	DefaultSource = "tee_attestation"
	// DefaultAssessmentType applies when the request carries none.
	DefaultAssessmentType = "quality_analysis"
)

// Request is one verification job. Model and Dataset may be sealed;
// the pipeline decrypts them before evaluation.
type Request struct {
	RequestID         string
	Model             []byte
	Dataset           []byte
	AssessmentType    string
	UserAddress       string
	TransactionDigest string
}

// Pipeline wires the measurement set, signing identity, scoring engine
// and quorum decryptor into one verification flow. All fields are set
// once at startup and shared read-only across requests, so a single
// instance serves concurrent callers.
type Pipeline struct {
	Measurements *measurement.Set
	Identity     *attestation.Identity
	Signer       *attestation.Signer
	Engine       *scoring.Engine
	Decryptor    *seal.Decryptor
	Logger       *shared.Logger
	Source       string

	now func() time.Time
}

func New(set *measurement.Set, identity *attestation.Identity, engine *scoring.Engine, decryptor *seal.Decryptor, logger *shared.Logger) *Pipeline {
	return &Pipeline{
		Measurements: set,
		Identity:     identity,
		Signer:       attestation.NewSigner(identity),
		Engine:       engine,
		Decryptor:    decryptor,
		Logger:       logger,
		Source:       DefaultSource,
		now:          time.Now,
	}
}

// Process runs one verification end to end. Any failure aborts the
// whole request with no partial result: a result either carries a
// complete attestation and a signed evaluation, or does not exist.
func (p *Pipeline) Process(ctx context.Context, req Request) (*VerificationResult, error) {
	if req.RequestID == "" {
		req.RequestID = "req_" + uuid.NewString()
	}
	if req.AssessmentType == "" {
		req.AssessmentType = DefaultAssessmentType
	}
	log := p.Logger.WithRequest(req.RequestID)
	log.Info("verification started",
		zap.Int("model_bytes", len(req.Model)),
		zap.Int("dataset_bytes", len(req.Dataset)),
		zap.String("assessment_type", req.AssessmentType))

	model, err := p.openInput(ctx, req, req.Model)
	if err != nil {
		return nil, fmt.Errorf("model decryption failed: %w", err)
	}
	dataset, err := p.openInput(ctx, req, req.Dataset)
	if err != nil {
		return nil, fmt.Errorf("dataset decryption failed: %w", err)
	}

	report, err := p.Engine.Evaluate(model, dataset)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}

	now := p.now()
	doc, err := attestation.NewDocument(p.Measurements, p.Identity, p.Signer, now)
	if err != nil {
		return nil, fmt.Errorf("attestation failed: %w", err)
	}

	mlResult := MLResult{
		RequestID:    req.RequestID,
		ModelHash:    report.ModelHash,
		QualityScore: report.QualityScore,
		Predictions:  report.Predictions,
		Confidence:   report.Confidence,
	}
	proof, err := p.Signer.Sign(mlResult.payload(doc.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("result proof failed: %w", err)
	}
	mlResult.Proof = proof

	log.Info("verification complete",
		zap.Int("quality_score", report.QualityScore),
		zap.String("proof_mode", string(proof.Mode)))

	return &VerificationResult{
		RequestID:   req.RequestID,
		Attestation: doc,
		MLResult:    mlResult,
		Metadata: ResultMetadata{
			EnclaveID:      p.Identity.EnclaveID,
			Source:         p.Source,
			Timestamp:      doc.Timestamp,
			AssessmentType: req.AssessmentType,
		},
		Report: report,
	}, nil
}

// openInput decrypts one input blob when a decryptor is configured;
// plain blobs pass through inside the decryptor itself.
func (p *Pipeline) openInput(ctx context.Context, req Request, blob []byte) ([]byte, error) {
	if p.Decryptor == nil {
		return blob, nil
	}
	return p.Decryptor.Decrypt(ctx, blob, seal.RequestContext{
		UserAddress:       req.UserAddress,
		TransactionDigest: req.TransactionDigest,
	})
}

// VerifyResult checks a verification result against a policy: the
// attestation document proof (plus expected measurements and freshness
// when the policy sets them), the ml result proof, and the structural
// consistency between the two halves. Returns false, never an error.
func VerifyResult(res *VerificationResult, policy attestation.VerifyPolicy, now time.Time) bool {
	if res == nil || res.Attestation == nil {
		return false
	}
	if res.MLResult.RequestID != res.RequestID {
		return false
	}
	if res.Metadata.EnclaveID != res.Attestation.EnclaveID {
		return false
	}
	if res.Metadata.Timestamp != res.Attestation.Timestamp {
		return false
	}
	if !policy.VerifyDocument(res.Attestation, now) {
		return false
	}
	return attestation.Verify(
		res.MLResult.payload(res.Metadata.Timestamp),
		res.MLResult.Proof,
		policy.SignerAddress,
	)
}
