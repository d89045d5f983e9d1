package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"tee-verify/attestation"
	"tee-verify/measurement"
	"tee-verify/scoring"
	"tee-verify/seal"
	"tee-verify/shared"
)

func testModel() []byte {
	return []byte(`{"model_type":"logistic_regression","weights":[10],"intercept":-5,"classes":[0,1]}`)
}

func testDataset() []byte {
	var b strings.Builder
	b.WriteString("score,label\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "0.0%d,0\n", i)
	}
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "0.9%d,1\n", i)
	}
	return []byte(b.String())
}

func signingPipeline(t *testing.T) *Pipeline {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	logger := shared.NewNopLogger()
	identity := &attestation.Identity{EnclaveID: "enclave-test", PrivateKey: key}
	return New(measurement.Compute(logger), identity, scoring.NewEngine(logger), nil, logger)
}

func TestProcessProducesVerifiableResult(t *testing.T) {
	p := signingPipeline(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	res, err := p.Process(context.Background(), Request{Model: testModel(), Dataset: testDataset()})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if res.RequestID == "" || !strings.HasPrefix(res.RequestID, "req_") {
		t.Errorf("expected generated request id, got %q", res.RequestID)
	}
	if res.MLResult.RequestID != res.RequestID {
		t.Error("ml result must carry the same request id")
	}
	if res.MLResult.Proof.Mode != attestation.ModeSignature {
		t.Errorf("signing identity must produce signature proofs, got %s", res.MLResult.Proof.Mode)
	}
	if res.Metadata.EnclaveID != "enclave-test" || res.Metadata.Source != DefaultSource {
		t.Errorf("unexpected metadata: %+v", res.Metadata)
	}
	if res.Metadata.AssessmentType != DefaultAssessmentType {
		t.Errorf("expected default assessment type, got %q", res.Metadata.AssessmentType)
	}
	if res.Report == nil || res.Report.QualityScore != res.MLResult.QualityScore {
		t.Error("result must carry the full report with a matching quality score")
	}
	if len(res.MLResult.Predictions) == 0 {
		t.Error("ml result must carry sample predictions")
	}
	if res.MLResult.Confidence <= 0.5 || res.MLResult.Confidence > 1 {
		t.Errorf("confidence out of range: %v", res.MLResult.Confidence)
	}

	policy := attestation.VerifyPolicy{
		ExpectedMeasurements: p.Measurements.CanonicalMap(),
		SignerAddress:        p.Identity.Address(),
		MaxSkew:              time.Minute,
	}
	if !VerifyResult(res, policy, now) {
		t.Error("freshly produced result must verify")
	}
}

func TestProcessKeylessFallsBackToHashProofs(t *testing.T) {
	logger := shared.NewNopLogger()
	identity := &attestation.Identity{EnclaveID: "enclave-keyless"}
	p := New(measurement.Compute(logger), identity, scoring.NewEngine(logger), nil, logger)

	res, err := p.Process(context.Background(), Request{Model: testModel(), Dataset: testDataset()})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if res.MLResult.Proof.Mode != attestation.ModeHash {
		t.Errorf("keyless identity must produce hash proofs, got %s", res.MLResult.Proof.Mode)
	}
	if res.Attestation.Proof.Mode != attestation.ModeHash {
		t.Error("attestation document must also fall back to hash mode")
	}
	if !VerifyResult(res, attestation.VerifyPolicy{}, time.Now()) {
		t.Error("hash-mode result must verify without signer material")
	}
}

func TestVerifyResultRejectsTampering(t *testing.T) {
	p := signingPipeline(t)
	policy := attestation.VerifyPolicy{SignerAddress: p.Identity.Address()}

	fresh := func(t *testing.T) *VerificationResult {
		res, err := p.Process(context.Background(), Request{Model: testModel(), Dataset: testDataset()})
		if err != nil {
			t.Fatalf("process failed: %v", err)
		}
		return res
	}

	t.Run("quality score flipped", func(t *testing.T) {
		res := fresh(t)
		res.MLResult.QualityScore++
		if VerifyResult(res, policy, time.Now()) {
			t.Error("changed quality score must not verify")
		}
	})

	t.Run("request id mismatch", func(t *testing.T) {
		res := fresh(t)
		res.RequestID = "req_other"
		if VerifyResult(res, policy, time.Now()) {
			t.Error("mismatched request ids must not verify")
		}
	})

	t.Run("metadata timestamp changed", func(t *testing.T) {
		res := fresh(t)
		res.Metadata.Timestamp = attestation.FormatTimestamp(time.Now().Add(time.Hour))
		if VerifyResult(res, policy, time.Now()) {
			t.Error("metadata diverging from the document must not verify")
		}
	})

	t.Run("enclave id changed", func(t *testing.T) {
		res := fresh(t)
		res.Metadata.EnclaveID = "enclave-other"
		if VerifyResult(res, policy, time.Now()) {
			t.Error("metadata enclave id diverging from the document must not verify")
		}
	})

	t.Run("wrong signer", func(t *testing.T) {
		res := fresh(t)
		other, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		wrong := attestation.VerifyPolicy{SignerAddress: crypto.PubkeyToAddress(other.PublicKey)}
		if VerifyResult(res, wrong, time.Now()) {
			t.Error("result must not verify under another signer's address")
		}
	})

	t.Run("nil result", func(t *testing.T) {
		if VerifyResult(nil, policy, time.Now()) {
			t.Error("nil result must not verify")
		}
	})
}

func TestProcessEvaluationFailureAborts(t *testing.T) {
	p := signingPipeline(t)
	res, err := p.Process(context.Background(), Request{Model: []byte("not a model"), Dataset: testDataset()})
	if !errors.Is(err, scoring.ErrModelLoad) {
		t.Errorf("expected ErrModelLoad, got %v", err)
	}
	if res != nil {
		t.Error("failed processing must not yield a partial result")
	}
}

func TestProcessDecryptsSealedInputs(t *testing.T) {
	material := []byte("0123456789abcdef0123456789abcdef")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"server_id":    "ks-a",
			"key_material": base64.StdEncoding.EncodeToString(material),
			"weight":       1,
		})
	}))
	defer server.Close()

	sealedModel, err := seal.Seal(testModel(), "policy-1", material)
	if err != nil {
		t.Fatalf("seal model: %v", err)
	}
	sealedDataset, err := seal.Seal(testDataset(), "policy-1", material)
	if err != nil {
		t.Fatalf("seal dataset: %v", err)
	}

	logger := shared.NewNopLogger()
	decryptor := seal.NewDecryptor(seal.Config{
		Threshold:      1,
		KeyServers:     []seal.KeyServerConfig{{ObjectID: "ks-a", URL: server.URL, Weight: 1}},
		ContactTimeout: 2 * time.Second,
	}, logger)

	identity := &attestation.Identity{EnclaveID: "enclave-test"}
	p := New(measurement.Compute(logger), identity, scoring.NewEngine(logger), decryptor, logger)

	res, err := p.Process(context.Background(), Request{
		Model:       sealedModel,
		Dataset:     sealedDataset,
		UserAddress: "0xabc",
	})
	if err != nil {
		t.Fatalf("process with sealed inputs failed: %v", err)
	}
	if res.Report.QualityScore != 96 {
		t.Errorf("sealed inputs must evaluate identically to plain ones, got quality %d", res.Report.QualityScore)
	}
}

func TestProcessQuorumFailureAborts(t *testing.T) {
	logger := shared.NewNopLogger()
	decryptor := seal.NewDecryptor(seal.Config{
		Threshold:      2,
		KeyServers:     []seal.KeyServerConfig{{ObjectID: "ks-a", URL: "http://127.0.0.1:1", Weight: 1}},
		ContactTimeout: time.Second,
	}, logger)

	material := []byte("0123456789abcdef0123456789abcdef")
	sealedModel, err := seal.Seal(testModel(), "policy-1", material)
	if err != nil {
		t.Fatal(err)
	}

	identity := &attestation.Identity{EnclaveID: "enclave-test"}
	p := New(measurement.Compute(logger), identity, scoring.NewEngine(logger), decryptor, logger)

	_, err = p.Process(context.Background(), Request{Model: sealedModel, Dataset: testDataset()})
	if !errors.Is(err, seal.ErrInsufficientQuorum) {
		t.Errorf("expected ErrInsufficientQuorum, got %v", err)
	}
}

func TestResultWireForm(t *testing.T) {
	p := signingPipeline(t)
	res, err := p.Process(context.Background(), Request{
		RequestID: "req_fixed",
		Model:     testModel(),
		Dataset:   testDataset(),
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, key := range []string{"request_id", "tee_attestation", "ml_processing_result", "verification_metadata"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("wire form missing %q", key)
		}
	}

	var att map[string]string
	if err := json.Unmarshal(wire["tee_attestation"], &att); err != nil {
		t.Fatalf("attestation wire: %v", err)
	}
	for _, reg := range []string{"pcr0", "pcr1", "pcr2", "pcr8"} {
		if len(att[reg]) != 64 {
			t.Errorf("attestation register %s missing or malformed", reg)
		}
	}
	if _, ok := att["signature"]; !ok {
		t.Error("signing identity must emit a signature key in the attestation")
	}

	var ml map[string]json.RawMessage
	if err := json.Unmarshal(wire["ml_processing_result"], &ml); err != nil {
		t.Fatalf("ml result wire: %v", err)
	}
	if _, ok := ml["signature"]; !ok {
		t.Error("ml result must carry a signature key")
	}
	if _, ok := ml["result_hash"]; ok {
		t.Error("ml result must not carry both proof keys")
	}
	if _, ok := ml["predictions"]; !ok {
		t.Error("ml result must carry predictions")
	}

	var back VerificationResult
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if back.MLResult.Proof != res.MLResult.Proof {
		t.Error("ml proof must survive the round trip")
	}
	if back.RequestID != "req_fixed" {
		t.Errorf("request id lost in round trip: %q", back.RequestID)
	}
	if !VerifyResult(&back, attestation.VerifyPolicy{SignerAddress: p.Identity.Address()}, time.Now()) {
		t.Error("round-tripped result must still verify")
	}
}

func TestMLResultRejectsAmbiguousProof(t *testing.T) {
	raw := []byte(`{"request_id":"r","model_hash":"h","quality_score":1,"predictions":[],"confidence":0,"signature":"aa","result_hash":"bb"}`)
	var r MLResult
	if err := json.Unmarshal(raw, &r); !errors.Is(err, errAmbiguousResultProof) {
		t.Errorf("expected ambiguous proof rejection, got %v", err)
	}

	raw = []byte(`{"request_id":"r","model_hash":"h","quality_score":1,"predictions":[],"confidence":0}`)
	if err := json.Unmarshal(raw, &r); !errors.Is(err, errMissingResultProof) {
		t.Errorf("expected missing proof rejection, got %v", err)
	}
}
