package scoring

// AccuracyMetrics carries the inference quality numbers. AUC is present
// only for binary classification with probability output; RMSE and MAE
// only for regression.
type AccuracyMetrics struct {
	Precision float64  `json:"precision"`
	Recall    float64  `json:"recall"`
	F1        float64  `json:"f1_score"`
	AUC       *float64 `json:"auc,omitempty"`
	RMSE      *float64 `json:"rmse,omitempty"`
	MAE       *float64 `json:"mae,omitempty"`
}

// PerformanceMetrics carries timing and size characteristics of the
// evaluation run.
type PerformanceMetrics struct {
	InferenceTimeMs  float64 `json:"inference_time_ms"`
	ThroughputScaled int     `json:"throughput_samples_per_second"`
	ModelSizeMB      int     `json:"model_size_mb"`
	DatasetSizeMB    int     `json:"dataset_size_mb"`
}

// Report is the complete evaluation result, immutable once produced and
// embedded by value into the verification result.
type Report struct {
	// Predictions holds the first few raw predictions and Confidence the
	// mean top-class probability over them. Carried for the verification
	// result, not part of the report wire form.
	Predictions []float64 `json:"-"`
	Confidence  float64   `json:"-"`

	ModelHash        string             `json:"model_hash"`
	DatasetHash      string             `json:"dataset_hash"`
	QualityScore     int                `json:"quality_score"`
	Accuracy         AccuracyMetrics    `json:"accuracy_metrics"`
	Bias             BiasAssessment     `json:"bias_assessment"`
	IntegrityScore   int                `json:"data_integrity_score"`
	Performance      PerformanceMetrics `json:"performance_metrics"`
	ModelType        string             `json:"model_type"`
	DatasetFormat    string             `json:"dataset_format"`
	EvaluationTimeMs float64            `json:"evaluation_time_ms"`
}
