package battery

import (
	"math"
	"sync"

	"github.com/bms-analytics/bmsforest/pkg/errors"
)

// 劣化モデルの定数
const (
	RatedCycles        = 1200.0
	NominalTemperature = 25.0
	MinVoltage         = 3.0
	MaxVoltage         = 4.2

	MinSOH = 0.5
	MaxSOH = 1.0
	MinSOC = 0.0
	MaxSOC = 100.0
)

// NoiseSource yields uniform values in [0, 1). *rand.Rand satisfies it.
type NoiseSource interface {
	Float64() float64
}

// HeuristicPredictor computes health metrics in closed form:
//
//	SOH = exp(-cycles/1200) · max(0.5, 1 − |T−25|/100)
//	SOC = (V − 3.0) / 1.2 · 100
//
// With a noise source it adds ±0.01 to SOH and ±1 to SOC, and draws the
// confidence from [0.85, 0.97). Without one it is deterministic.
type HeuristicPredictor struct {
	mu    sync.Mutex
	noise NoiseSource
}

// NewHeuristicPredictor creates a predictor. noise may be nil.
func NewHeuristicPredictor(noise NoiseSource) *HeuristicPredictor {
	return &HeuristicPredictor{noise: noise}
}

func (h *HeuristicPredictor) draw() float64 {
	if h.noise == nil {
		return 0.5
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.noise.Float64()
}

// Predict implements Predictor.
func (h *HeuristicPredictor) Predict(in Input) (Prediction, error) {
	if err := in.Validate(); err != nil {
		return Prediction{}, err
	}

	degradation := math.Exp(-in.CycleCount / RatedCycles)
	tempFactor := math.Max(0.5, 1-math.Abs(in.Temperature-NominalTemperature)/100)
	soh := ClampSOH(degradation*tempFactor + (h.draw()-0.5)*0.02)

	soc := ClampSOC((in.Voltage-MinVoltage)/(MaxVoltage-MinVoltage)*100 + (h.draw()-0.5)*2)

	confidence := 0.85 + h.draw()*0.12

	return Finish(soh, soc, in.CycleCount, confidence), nil
}

// Finish derives RUL and degradation rate from SOH and rounds every field
// for display: SOH and rate to 4 places, SOC and confidence to 2.
func Finish(soh, soc, cycles, confidence float64) Prediction {
	rul := int(math.Max(0, math.Floor(RatedCycles*soh-cycles)))

	// 0サイクルでは劣化率0
	rate := errors.SafeDivide((1-soh)*100, cycles)

	return Prediction{
		SOH:             round(soh, 4),
		SOC:             round(soc, 2),
		RUL:             rul,
		Confidence:      round(confidence, 2),
		DegradationRate: round(rate, 4),
	}
}

// ClampSOH bounds v to [MinSOH, MaxSOH].
func ClampSOH(v float64) float64 {
	return errors.ClipValue(v, MinSOH, MaxSOH)
}

// ClampSOC bounds v to [MinSOC, MaxSOC].
func ClampSOC(v float64) float64 {
	return errors.ClipValue(v, MinSOC, MaxSOC)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
