package scoring

import (
	"strings"
	"testing"

	"tee-verify/shared"
)

// thresholdModel predicts 1 iff the single score feature exceeds 0.5.
func thresholdModel() *Model {
	return &Model{
		ModelType: ModelLogisticRegression,
		Weights:   []float64{10},
		Intercept: -5,
	}
}

// biasedDataset builds 20 rows where group 0 has a 0.2 positive-score
// rate and group 1 a 0.6 rate, for a demographic-parity gap of 0.4.
func biasedDataset(t *testing.T) *Dataset {
	t.Helper()
	var b strings.Builder
	b.WriteString("protected_attribute,score,label\n")
	writeRows := func(group string, positives, negatives int) {
		for i := 0; i < positives; i++ {
			b.WriteString(group + ",1,1\n")
		}
		for i := 0; i < negatives; i++ {
			b.WriteString(group + ",0,0\n")
		}
	}
	writeRows("0", 2, 8)
	writeRows("1", 6, 4)

	ds, err := LoadDataset([]byte(b.String()))
	if err != nil {
		t.Fatalf("dataset load failed: %v", err)
	}
	return ds
}

func TestBiasNeutralDefaultWithoutProtectedColumn(t *testing.T) {
	engine := NewEngine(shared.NewNopLogger())
	ds, err := LoadDataset([]byte("score,label\n1,1\n0,0\n"))
	if err != nil {
		t.Fatalf("dataset load failed: %v", err)
	}

	assessment := engine.assessBias(thresholdModel(), ds)

	if assessment.BiasDetected {
		t.Error("no protected column must mean bias_detected=false")
	}
	if assessment.FairnessScore != DefaultFairnessScore {
		t.Errorf("expected default fairness %d, got %d", DefaultFairnessScore, assessment.FairnessScore)
	}
	if assessment.DemographicParity != nil {
		t.Error("parity gap must be absent without a protected column")
	}
}

func TestBiasDemographicParityGap(t *testing.T) {
	engine := NewEngine(shared.NewNopLogger())
	assessment := engine.assessBias(thresholdModel(), biasedDataset(t))

	if !assessment.BiasDetected {
		t.Error("0.4 parity gap must be flagged with a 0.1 threshold")
	}
	if assessment.BiasType != "demographic" {
		t.Errorf("expected bias type demographic, got %q", assessment.BiasType)
	}
	if assessment.FairnessScore != 60 {
		t.Errorf("fairness = max(0, round((1-0.4)*100)) = 60, got %d", assessment.FairnessScore)
	}
	if assessment.DemographicParity == nil || !almostEqual(*assessment.DemographicParity, 0.4) {
		t.Errorf("expected parity gap 0.4, got %v", assessment.DemographicParity)
	}
	// Predictions track labels exactly, so both group TPRs are 1.
	if assessment.EqualizedOdds == nil || !almostEqual(*assessment.EqualizedOdds, 0) {
		t.Errorf("expected equalized-odds gap 0, got %v", assessment.EqualizedOdds)
	}
}

func TestBiasBelowThresholdNotFlagged(t *testing.T) {
	engine := NewEngine(shared.NewNopLogger())

	var b strings.Builder
	b.WriteString("protected_attribute,score,label\n")
	// Both groups at identical positive rates: gap 0.
	for _, group := range []string{"0", "1"} {
		for i := 0; i < 5; i++ {
			b.WriteString(group + ",1,1\n")
			b.WriteString(group + ",0,0\n")
		}
	}
	ds, err := LoadDataset([]byte(b.String()))
	if err != nil {
		t.Fatalf("dataset load failed: %v", err)
	}

	assessment := engine.assessBias(thresholdModel(), ds)
	if assessment.BiasDetected {
		t.Error("zero parity gap must not be flagged")
	}
	if assessment.FairnessScore != 100 {
		t.Errorf("zero gap means fairness 100, got %d", assessment.FairnessScore)
	}
}

func TestBiasDegradesOnFeatureMismatch(t *testing.T) {
	engine := NewEngine(shared.NewNopLogger())
	// Model expects 1 feature but the dataset provides 2 after dropping
	// label and protected column; assessment must degrade, not fail.
	ds, err := LoadDataset([]byte("gender,x,y,label\n0,1,2,1\n1,3,4,0\n"))
	if err != nil {
		t.Fatalf("dataset load failed: %v", err)
	}

	assessment := engine.assessBias(thresholdModel(), ds)
	if assessment.FairnessScore != DefaultFairnessScore || assessment.BiasDetected {
		t.Errorf("mismatch must degrade to neutral default, got %+v", assessment)
	}
}
