package scoring

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"tee-verify/shared"
)

// Supported model types.
const (
	ModelLinearRegression   = "linear_regression"
	ModelLogisticRegression = "logistic_regression"
	ModelMajorityClass      = "majority_class"
)

// Scaler standardizes features before prediction: (x - mean) / scale.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Model is the serialized model envelope. The JSON rendering is the
// safe deserialization path; the same envelope gob-encoded is the
// unsafe fallback.
type Model struct {
	ModelType string    `json:"model_type"`
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
	Classes   []float64 `json:"classes"`
	Majority  float64   `json:"majority"`
	Scaler    *Scaler   `json:"scaler,omitempty"`
}

// LoadModel attempts the safe JSON path first and falls back to gob
// decoding only when allowUnsafe is set. Decoding attacker-supplied gob
// streams drives allocation from untrusted length fields, so the
// fallback is opt-in and logged as a security event, never silent.
func LoadModel(data []byte, allowUnsafe bool, logger *shared.Logger) (*Model, error) {
	var model Model
	if err := json.Unmarshal(data, &model); err == nil && model.ModelType != "" {
		if err := model.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
		}
		logger.DebugIf("loaded model via safe JSON path", zap.String("model_type", model.ModelType))
		return &model, nil
	}

	if !allowUnsafe {
		return nil, fmt.Errorf("%w: not a JSON model envelope and unsafe gob loading is disabled", ErrModelLoad)
	}

	logger.Security("falling back to gob model deserialization; only use with trusted model sources",
		zap.Int("model_bytes", len(data)))

	decoder := gob.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&model); err != nil {
		return nil, fmt.Errorf("%w: gob decode failed: %v", ErrModelLoad, err)
	}
	if err := model.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	logger.WarnIf("loaded model via unsafe gob path", zap.String("model_type", model.ModelType))
	return &model, nil
}

func (m *Model) validate() error {
	switch m.ModelType {
	case ModelLinearRegression, ModelLogisticRegression:
		if len(m.Weights) == 0 {
			return fmt.Errorf("%s model has no weights", m.ModelType)
		}
	case ModelMajorityClass:
	default:
		return fmt.Errorf("unsupported model type %q", m.ModelType)
	}
	if m.Scaler != nil && (len(m.Scaler.Mean) != len(m.Weights) || len(m.Scaler.Scale) != len(m.Weights)) {
		return fmt.Errorf("scaler dimensions do not match %d weights", len(m.Weights))
	}
	return nil
}

// SupportsProba reports whether the model emits class probabilities.
func (m *Model) SupportsProba() bool {
	return m.ModelType == ModelLogisticRegression
}

// classes returns the class values a logistic model maps onto,
// defaulting to {0,1}.
func (m *Model) classes() (neg, pos float64) {
	if len(m.Classes) == 2 {
		return m.Classes[0], m.Classes[1]
	}
	return 0, 1
}

func (m *Model) scale(features []float64) []float64 {
	if m.Scaler == nil {
		return features
	}
	scaled := make([]float64, len(features))
	for i, v := range features {
		s := m.Scaler.Scale[i]
		if s == 0 {
			s = 1
		}
		scaled[i] = (v - m.Scaler.Mean[i]) / s
	}
	return scaled
}

func (m *Model) linear(features []float64) (float64, error) {
	if len(features) != len(m.Weights) {
		return 0, fmt.Errorf("model expects %d features, got %d", len(m.Weights), len(features))
	}
	features = m.scale(features)
	sum := m.Intercept
	for i, w := range m.Weights {
		v := features[i]
		if math.IsNaN(v) {
			v = 0 // missing feature contributes nothing
		}
		sum += w * v
	}
	return sum, nil
}

// Predict returns the model output for one feature row: the raw value
// for regression, the decided class for classification.
func (m *Model) Predict(features []float64) (float64, error) {
	switch m.ModelType {
	case ModelMajorityClass:
		return m.Majority, nil
	case ModelLinearRegression:
		return m.linear(features)
	case ModelLogisticRegression:
		p, err := m.PredictProba(features)
		if err != nil {
			return 0, err
		}
		neg, pos := m.classes()
		if p >= 0.5 {
			return pos, nil
		}
		return neg, nil
	default:
		return 0, fmt.Errorf("unsupported model type %q", m.ModelType)
	}
}

// PredictProba returns the positive-class probability for models that
// support it.
func (m *Model) PredictProba(features []float64) (float64, error) {
	if !m.SupportsProba() {
		return 0, fmt.Errorf("model type %q has no probability output", m.ModelType)
	}
	z, err := m.linear(features)
	if err != nil {
		return 0, err
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// predictAll runs Predict over a feature matrix.
func (m *Model) predictAll(features [][]float64) ([]float64, error) {
	out := make([]float64, len(features))
	for i, row := range features {
		p, err := m.Predict(row)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}
