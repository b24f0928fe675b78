package battery

import (
	"bytes"
	"encoding/gob"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/bms-analytics/bmsforest/core/model"
	"github.com/bms-analytics/bmsforest/pkg/errors"
	"github.com/bms-analytics/bmsforest/sklearn/ensemble"
)

// ForestPredictor predicts SOH and SOC with one random forest each and
// derives RUL and degradation rate from the predicted SOH.
type ForestPredictor struct {
	soh *ensemble.RandomForestRegressor
	soc *ensemble.RandomForestRegressor
}

// TrainForestPredictor fits both forests on d. The same options apply to
// each forest.
func TrainForestPredictor(d *Dataset, opts ...ensemble.Option) (*ForestPredictor, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	X := d.Features()

	soh := ensemble.NewRandomForestRegressor(opts...)
	if err := soh.FitRows(X, d.SOH); err != nil {
		return nil, errors.Wrap(err, "fit soh forest")
	}
	soc := ensemble.NewRandomForestRegressor(opts...)
	if err := soc.FitRows(X, d.SOC); err != nil {
		return nil, errors.Wrap(err, "fit soc forest")
	}
	return &ForestPredictor{soh: soh, soc: soc}, nil
}

// NewForestPredictor wraps two fitted forests over FeatureNames.
func NewForestPredictor(soh, soc *ensemble.RandomForestRegressor) (*ForestPredictor, error) {
	for _, f := range []*ensemble.RandomForestRegressor{soh, soc} {
		if f == nil || !f.IsFitted() {
			return nil, errors.NewNotFittedError("ForestPredictor", "NewForestPredictor")
		}
		if f.NFeatures() != len(FeatureNames) {
			return nil, errors.NewDimensionError("ForestPredictor", len(FeatureNames), f.NFeatures(), 1)
		}
	}
	return &ForestPredictor{soh: soh, soc: soc}, nil
}

// Predict implements Predictor. Confidence is 1 minus the coefficient of
// variation of the SOH trees' outputs, bounded to [0, 1].
func (p *ForestPredictor) Predict(in Input) (Prediction, error) {
	if err := in.Validate(); err != nil {
		return Prediction{}, err
	}
	x := in.Features()

	outputs, err := p.soh.PredictTrees(x)
	if err != nil {
		return Prediction{}, err
	}
	mean, variance := stat.PopMeanVariance(outputs, nil)

	soc, err := p.soc.PredictRow(x)
	if err != nil {
		return Prediction{}, err
	}

	confidence := 0.0
	if mean > 0 {
		confidence = errors.ClipValue(1-math.Sqrt(math.Max(variance, 0))/mean, 0, 1)
	}
	return Finish(ClampSOH(mean), ClampSOC(soc), in.CycleCount, confidence), nil
}

// SOHForest returns the SOH forest.
func (p *ForestPredictor) SOHForest() *ensemble.RandomForestRegressor { return p.soh }

// SOCForest returns the SOC forest.
func (p *ForestPredictor) SOCForest() *ensemble.RandomForestRegressor { return p.soc }

// Metadata describes both forests. Out-of-bag scores are included when the
// forests were fitted with them.
func (p *ForestPredictor) Metadata() *model.Metadata {
	md := p.soh.Metadata()
	md.ModelType = "ForestPredictor"
	md.Features = append([]string(nil), FeatureNames...)
	md.Targets = []string{"soh", "soc"}
	md.Metrics = nil

	for target, f := range map[string]*ensemble.RandomForestRegressor{"soh": p.soh, "soc": p.soc} {
		if score, err := f.OOBScore(); err == nil && !math.IsNaN(score) {
			if md.Metrics == nil {
				md.Metrics = make(map[string]float64)
			}
			md.Metrics["oob_r2_"+target] = score
		}
	}
	return md
}

type predictorSnapshot struct {
	SOH *ensemble.RandomForestRegressor
	SOC *ensemble.RandomForestRegressor
}

// GobEncode implements gob.GobEncoder.
func (p *ForestPredictor) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(predictorSnapshot{SOH: p.soh, SOC: p.soc}); err != nil {
		return nil, errors.Wrap(err, "encode predictor")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (p *ForestPredictor) GobDecode(data []byte) error {
	var s predictorSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return errors.Wrap(err, "decode predictor")
	}
	loaded, err := NewForestPredictor(s.SOH, s.SOC)
	if err != nil {
		return errors.Wrap(errors.ErrCorruptModel, err.Error())
	}
	*p = *loaded
	return nil
}

// Save writes the predictor to path in the model file format.
func (p *ForestPredictor) Save(path string) error {
	return model.SaveModel(p, path)
}

// LoadForestPredictor reads a predictor written by Save.
func LoadForestPredictor(path string) (*ForestPredictor, error) {
	var p ForestPredictor
	if err := model.LoadModel(&p, path); err != nil {
		return nil, err
	}
	return &p, nil
}
