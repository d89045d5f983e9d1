// Package scoring converts a model+dataset pair into a reproducible
// quality report: accuracy, fairness and data-integrity sub-scores
// combined under a fixed weighting.
package scoring

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"tee-verify/shared"
)

var (
	ErrModelLoad   = errors.New("model load failed")
	ErrDatasetLoad = errors.New("dataset load failed")
)

// Documented defaults and contract constants.
const (
	// DefaultFairnessScore applies when no protected attribute exists
	// or the bias assessment degrades.
	DefaultFairnessScore = 85
	// DefaultBiasThreshold is the demographic-parity gap above which
	// bias is flagged.
	DefaultBiasThreshold = 0.10
	// defaultIntegrityScore applies when the integrity assessment
	// cannot run at all.
	defaultIntegrityScore = 75

	// Quality combination weights; changing these breaks score
	// reproducibility across deployments.
	accuracyWeight  = 0.4
	fairnessWeight  = 0.3
	integrityWeight = 0.3

	// Classification/regression cutover on distinct label values.
	classificationMaxClasses = 10

	// Inference timing parameters.
	timingSampleRows  = 100
	timingWarmupRows  = 10
	minLatencyMs      = 0.1
	fallbackLatencyMs = 10.0

	// samplePredictionLimit bounds how many raw predictions a report
	// carries for downstream result assembly.
	samplePredictionLimit = 10
)

// Engine evaluates models against datasets. Threshold constants are
// configurable but default to the documented contract values.
type Engine struct {
	Logger *shared.Logger
	// AllowUnsafeModel opts in to the gob deserialization fallback.
	AllowUnsafeModel     bool
	BiasThreshold        float64
	DefaultFairnessScore int
}

func NewEngine(logger *shared.Logger) *Engine {
	return &Engine{
		Logger:               logger,
		BiasThreshold:        DefaultBiasThreshold,
		DefaultFairnessScore: DefaultFairnessScore,
	}
}

// Evaluate scores modelBytes against datasetBytes. Sub-steps degrade to
// documented defaults on failure; only unloadable inputs abort the
// whole evaluation.
func (e *Engine) Evaluate(modelBytes, datasetBytes []byte) (*Report, error) {
	start := time.Now()

	modelHash := hexSHA256(modelBytes)
	datasetHash := hexSHA256(datasetBytes)
	e.Logger.InfoIf("starting evaluation",
		zap.String("model_hash", modelHash[:16]),
		zap.String("dataset_hash", datasetHash[:16]))

	model, err := LoadModel(modelBytes, e.AllowUnsafeModel, e.Logger)
	if err != nil {
		return nil, err
	}

	ds, err := LoadDataset(datasetBytes)
	if err != nil {
		return nil, err
	}
	e.Logger.DebugIf("loaded dataset",
		zap.String("format", ds.Format),
		zap.Int("rows", len(ds.Rows)),
		zap.Int("columns", len(ds.Columns)))

	accuracy, accEquiv, predictions := e.accuracyMetrics(model, ds)
	bias := e.assessBias(model, ds)
	integrity := e.integrityScore(ds)
	quality := CombineQuality(accEquiv, bias.FairnessScore, integrity)

	latency := e.measureInferenceLatency(model, ds)

	report := &Report{
		ModelHash:      modelHash,
		DatasetHash:    datasetHash,
		QualityScore:   quality,
		Accuracy:       accuracy,
		Bias:           bias,
		IntegrityScore: integrity,
		Performance: PerformanceMetrics{
			InferenceTimeMs:  latency,
			ThroughputScaled: int(1000 / math.Max(latency, 1) * 100),
			ModelSizeMB:      len(modelBytes) / (1024 * 1024),
			DatasetSizeMB:    len(datasetBytes) / (1024 * 1024),
		},
		ModelType:        model.ModelType,
		DatasetFormat:    ds.Format,
		EvaluationTimeMs: float64(time.Since(start).Microseconds()) / 1000,
	}
	report.Predictions, report.Confidence = e.samplePredictions(model, ds, predictions)

	e.Logger.InfoIf("evaluation complete",
		zap.Int("quality_score", quality),
		zap.Int("fairness_score", bias.FairnessScore),
		zap.Int("integrity_score", integrity))
	return report, nil
}

// accuracyMetrics runs inference and derives either classification or
// regression metrics, returning them plus the accuracy-equivalent used
// in the quality combination (weighted F1 or clipped pseudo-R²) and the
// raw predictions. Prediction failure degrades to all-zero metrics
// rather than aborting.
func (e *Engine) accuracyMetrics(model *Model, ds *Dataset) (AccuracyMetrics, float64, []float64) {
	features, labels := ds.split()
	if len(features) == 0 {
		e.Logger.WarnIf("accuracy metrics degraded: no labeled rows")
		return AccuracyMetrics{}, 0, nil
	}

	predictions, err := model.predictAll(features)
	if err != nil {
		e.Logger.WarnIf("accuracy metrics degraded: prediction failed", zap.Error(err))
		return AccuracyMetrics{}, 0, nil
	}

	if distinctValues(labels) <= classificationMaxClasses {
		m := weightedClassification(labels, predictions)
		metrics := AccuracyMetrics{Precision: m.precision, Recall: m.recall, F1: m.f1}

		if distinctValues(labels) == 2 && model.SupportsProba() {
			if auc, ok := e.binaryAUC(model, features, labels); ok {
				metrics.AUC = floatPtr(auc)
			}
		}
		return metrics, m.f1, predictions
	}

	m := regression(labels, predictions)
	accEquiv := math.Max(0, m.r2)
	return AccuracyMetrics{
		F1:   accEquiv, // accuracy-equivalent stands in for F1 on regression
		RMSE: floatPtr(m.rmse),
		MAE:  floatPtr(m.mae),
	}, accEquiv, predictions
}

// samplePredictions trims the raw predictions to the report sample and
// averages the top-class probability over that sample when the model
// exposes probabilities.
func (e *Engine) samplePredictions(model *Model, ds *Dataset, predictions []float64) ([]float64, float64) {
	if len(predictions) == 0 {
		return nil, 0
	}
	if len(predictions) > samplePredictionLimit {
		predictions = predictions[:samplePredictionLimit]
	}

	if !model.SupportsProba() {
		return predictions, 0
	}

	features, _ := ds.split()
	var sum float64
	for i := range predictions {
		p, err := model.PredictProba(features[i])
		if err != nil {
			return predictions, 0
		}
		sum += math.Max(p, 1-p)
	}
	return predictions, sum / float64(len(predictions))
}

func (e *Engine) binaryAUC(model *Model, features [][]float64, labels []float64) (float64, bool) {
	scores := make([]float64, len(features))
	for i, row := range features {
		p, err := model.PredictProba(row)
		if err != nil {
			e.Logger.WarnIf("AUC degraded: probability output failed", zap.Error(err))
			return 0, false
		}
		scores[i] = p
	}
	_, pos := model.classes()
	return rocAUC(labels, scores, pos), true
}

func (e *Engine) integrityScore(ds *Dataset) int {
	if len(ds.Rows) == 0 {
		e.Logger.WarnIf("integrity assessment degraded: empty dataset")
		return defaultIntegrityScore
	}
	return assessIntegrity(ds)
}

// CombineQuality applies the fixed 0.4/0.3/0.3 weighting. accEquiv is
// in [0,1]; fairness and integrity in [0,100].
func CombineQuality(accEquiv float64, fairness, integrity int) int {
	score := accEquiv*100*accuracyWeight +
		float64(fairness)*fairnessWeight +
		float64(integrity)*integrityWeight
	return int(clamp(math.Round(score), 0, 100))
}

// measureInferenceLatency times prediction over a fixed-size dataset
// prefix, discarding one warm-up pass. Reported per-sample latency has
// a floor so it is never zero or negative; measurement failure falls
// back to a documented default.
func (e *Engine) measureInferenceLatency(model *Model, ds *Dataset) float64 {
	features, _ := ds.split()
	if len(features) == 0 {
		return fallbackLatencyMs
	}
	if len(features) > timingSampleRows {
		features = features[:timingSampleRows]
	}

	warmup := features
	if len(warmup) > timingWarmupRows {
		warmup = warmup[:timingWarmupRows]
	}
	if _, err := model.predictAll(warmup); err != nil {
		e.Logger.WarnIf("inference timing degraded: warm-up failed", zap.Error(err))
		return fallbackLatencyMs
	}

	start := time.Now()
	if _, err := model.predictAll(features); err != nil {
		e.Logger.WarnIf("inference timing degraded: timed pass failed", zap.Error(err))
		return fallbackLatencyMs
	}
	perSample := float64(time.Since(start).Nanoseconds()) / 1e6 / float64(len(features))
	return math.Max(perSample, minLatencyMs)
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
