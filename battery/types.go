// Package battery maps battery operating parameters to health metrics:
// state of health (SOH), state of charge (SOC) and remaining useful life
// (RUL). Predictions come either from a closed-form heuristic or from a pair
// of random forests trained on labelled samples.
package battery

import (
	"fmt"

	"github.com/bms-analytics/bmsforest/pkg/errors"
)

// FeatureNames lists the feature vector columns in order.
var FeatureNames = []string{"current", "voltage", "temperature", "cycle_count"}

// Input holds the four raw operating parameters.
type Input struct {
	Current     float64 `json:"current"`     // A
	Voltage     float64 `json:"voltage"`     // V
	Temperature float64 `json:"temperature"` // °C
	CycleCount  float64 `json:"cycle_count"`
}

// Features returns the input as a feature vector in FeatureNames order.
func (in Input) Features() []float64 {
	return []float64{in.Current, in.Voltage, in.Temperature, in.CycleCount}
}

// Validate rejects non-finite values and negative cycle counts. The error
// names the offending field.
func (in Input) Validate() error {
	for i, v := range in.Features() {
		if err := errors.CheckScalar("battery.Input."+FeatureNames[i], v); err != nil {
			return err
		}
	}
	if in.CycleCount < 0 {
		return errors.NewValidationError("cycle_count", "must be >= 0", in.CycleCount)
	}
	return nil
}

func (in Input) String() string {
	return fmt.Sprintf("I=%.3gA V=%.3gV T=%.3g°C cycles=%g", in.Current, in.Voltage, in.Temperature, in.CycleCount)
}

// Prediction holds the derived health metrics.
type Prediction struct {
	SOH             float64 `json:"soh"` // fraction in [0.5, 1]
	SOC             float64 `json:"soc"` // percent in [0, 100]
	RUL             int     `json:"rul"` // remaining cycles
	Confidence      float64 `json:"confidence"`
	DegradationRate float64 `json:"degradation_rate"` // SOH percent lost per cycle
}

// Predictor produces a Prediction for an Input.
type Predictor interface {
	Predict(in Input) (Prediction, error)
}
