package scoring

import (
	"math"

	"go.uber.org/zap"
)

// protectedAttributeColumns is the fixed list of column names treated
// as protected attributes, checked in order; first present wins.
var protectedAttributeColumns = []string{"protected_attribute", "gender", "race", "age_group"}

// BiasAssessment reports group fairness over the protected attribute.
type BiasAssessment struct {
	FairnessScore     int      `json:"fairness_score"`
	BiasDetected      bool     `json:"bias_detected"`
	BiasType          string   `json:"bias_type,omitempty"`
	DemographicParity *float64 `json:"demographic_parity,omitempty"`
	EqualizedOdds     *float64 `json:"equalized_odds,omitempty"`
}

// neutralBias is the documented default when no protected attribute is
// present or the assessment degrades.
func (e *Engine) neutralBias() BiasAssessment {
	return BiasAssessment{FairnessScore: e.DefaultFairnessScore}
}

// assessBias computes the demographic-parity gap between the two
// protected groups and, for binary labels, the equalized-odds (TPR)
// gap. Bias is flagged iff the parity gap exceeds the configured
// threshold. Any failure degrades to the neutral default rather than
// aborting the evaluation.
func (e *Engine) assessBias(model *Model, ds *Dataset) BiasAssessment {
	protectedIdx := -1
	for _, name := range protectedAttributeColumns {
		if idx := ds.columnIndex(name); idx >= 0 {
			protectedIdx = idx
			break
		}
	}
	if protectedIdx < 0 {
		return e.neutralBias()
	}

	features, labels := ds.split(protectedIdx)
	if len(features) == 0 {
		e.Logger.WarnIf("bias assessment degraded: no usable rows")
		return e.neutralBias()
	}

	// Rebuild the protected vector aligned with the rows split kept.
	labelIdx := ds.labelColumn()
	protected := make([]float64, 0, len(features))
	for _, row := range ds.Rows {
		if math.IsNaN(row[labelIdx]) {
			continue
		}
		protected = append(protected, row[protectedIdx])
	}

	predictions, err := model.predictAll(features)
	if err != nil {
		// Models trained with the protected column as a feature reject
		// the narrowed matrix; retry with the full feature set before
		// giving up on the assessment.
		fullFeatures, _ := ds.split()
		predictions, err = model.predictAll(fullFeatures)
		if err != nil {
			e.Logger.WarnIf("bias assessment degraded: prediction failed", zap.Error(err))
			return e.neutralBias()
		}
	}

	rate0 := meanWhere(predictions, protected, func(p float64) bool { return p == 0 })
	rate1 := meanWhere(predictions, protected, func(p float64) bool { return p == 1 })
	parityGap := math.Abs(rate1 - rate0)

	assessment := BiasAssessment{
		BiasDetected:      parityGap > e.BiasThreshold,
		FairnessScore:     int(math.Max(0, math.Round((1-parityGap)*100))),
		DemographicParity: floatPtr(parityGap),
	}
	if assessment.BiasDetected {
		assessment.BiasType = "demographic"
	}

	// Equalized-odds gap for binary labels, defined only when both
	// groups have positive-labeled examples.
	if distinctValues(labels) == 2 {
		tpr0, ok0 := truePositiveRate(predictions, labels, protected, 0)
		tpr1, ok1 := truePositiveRate(predictions, labels, protected, 1)
		if ok0 && ok1 {
			assessment.EqualizedOdds = floatPtr(math.Abs(tpr1 - tpr0))
		}
	}

	return assessment
}

// meanWhere averages predictions over rows whose protected value
// satisfies the predicate. Empty groups yield 0, matching the
// degradation of the original assessment.
func meanWhere(predictions, protected []float64, groupFn func(float64) bool) float64 {
	var sum, n float64
	for i, p := range protected {
		if groupFn(p) {
			sum += predictions[i]
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// truePositiveRate averages predictions over positive-labeled rows of
// one protected group; ok is false when the group has no positives.
func truePositiveRate(predictions, labels, protected []float64, group float64) (rate float64, ok bool) {
	var sum, n float64
	for i := range labels {
		if protected[i] == group && labels[i] == 1 {
			sum += predictions[i]
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / n, true
}

func floatPtr(v float64) *float64 { return &v }
