// Package ensemble implements a bootstrap-aggregated forest of regression
// trees.
package ensemble

import (
	"bytes"
	"encoding/gob"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/bms-analytics/bmsforest/core/model"
	"github.com/bms-analytics/bmsforest/core/parallel"
	"github.com/bms-analytics/bmsforest/metrics"
	"github.com/bms-analytics/bmsforest/pkg/errors"
	"github.com/bms-analytics/bmsforest/pkg/log"
	"github.com/bms-analytics/bmsforest/sklearn/tree"
)

const modelName = "RandomForestRegressor"

// Defaults used by NewRandomForestRegressor.
const (
	DefaultNEstimators = 50
	DefaultMaxDepth    = tree.DefaultMaxDepth
)

// RandomForestRegressor averages regression trees, each grown on its own
// bootstrap sample of the training rows.
//
// Fit replaces the whole ensemble at once: concurrent Predict calls see
// either the previous forest or the new one, never a mix. A failed Fit
// leaves the forest unfitted.
type RandomForestRegressor struct {
	fitMu sync.Mutex   // serializes Fit and the random source
	mu    sync.RWMutex // guards everything below
	state *model.StateManager

	// Hyperparameters
	nEstimators int
	maxDepth    int
	nJobs       int
	seed        uint64
	hasSeed     bool
	source      IntSource
	oobScore    bool

	logger log.Logger

	// Learned parameters
	trees         []*tree.DecisionTreeRegressor
	oobScore_     float64
	oobPrediction []float64
}

// NewRandomForestRegressor は新しいRandomForestRegressorを作成
func NewRandomForestRegressor(options ...Option) *RandomForestRegressor {
	f := &RandomForestRegressor{
		state:       model.NewStateManager(),
		nEstimators: DefaultNEstimators,
		maxDepth:    DefaultMaxDepth,
	}
	for _, opt := range options {
		opt(f)
	}
	if f.logger == nil {
		f.logger = log.GetLoggerWithName("ensemble")
	}
	f.logger = f.logger.With(log.ModelNameKey, modelName)
	return f
}

// FromEstimators builds a fitted forest from already fitted trees. All
// trees must share the same feature width.
func FromEstimators(trees []*tree.DecisionTreeRegressor, options ...Option) (*RandomForestRegressor, error) {
	if len(trees) == 0 {
		return nil, errors.NewValidationError("estimators", "at least one tree is required", 0)
	}
	nFeatures := trees[0].NFeatures()
	for i, t := range trees {
		if !t.IsFitted() {
			return nil, errors.Wrapf(errors.NewNotFittedError("DecisionTreeRegressor", "FromEstimators"), "tree %d", i)
		}
		if t.NFeatures() != nFeatures {
			return nil, errors.NewDimensionError(modelName+".FromEstimators", nFeatures, t.NFeatures(), 1)
		}
	}

	f := NewRandomForestRegressor(options...)
	f.nEstimators = len(trees)
	f.trees = append([]*tree.DecisionTreeRegressor(nil), trees...)
	f.state.SetFitted(nFeatures, 0)
	return f, nil
}

func (f *RandomForestRegressor) validateParams() error {
	if f.nEstimators < 1 {
		return errors.NewValidationError("n_estimators", "must be >= 1", f.nEstimators)
	}
	if f.maxDepth < 0 {
		return errors.NewValidationError("max_depth", "must be >= 0", f.maxDepth)
	}
	return nil
}

// Fit はモデルを訓練データで学習
func (f *RandomForestRegressor) Fit(X, y mat.Matrix) error {
	rows, cols := X.Dims()
	yRows, yCols := y.Dims()

	var err error
	switch {
	case rows == 0 || cols == 0:
		err = errors.Wrap(errors.ErrEmptyData, modelName+".Fit")
	case yCols != 1:
		err = errors.NewDimensionError(modelName+".Fit", 1, yCols, 1)
	case rows != yRows:
		err = errors.NewDimensionError(modelName+".Fit", rows, yRows, 0)
	}
	if err != nil {
		f.discard()
		return err
	}
	return f.FitRows(tree.MatrixRows(X), mat.Col(nil, 0, y))
}

// FitRows trains nEstimators trees on bootstrap samples of (X, y) and
// replaces any previously fitted trees.
//
// Bootstrap samples are drawn from the random source in tree order before
// any tree is grown, so the result does not depend on the number of jobs.
func (f *RandomForestRegressor) FitRows(X [][]float64, y []float64) error {
	f.fitMu.Lock()
	defer f.fitMu.Unlock()

	f.mu.RLock()
	nEstimators, maxDepth, nJobs, withOOB := f.nEstimators, f.maxDepth, f.nJobs, f.oobScore
	paramErr := f.validateParams()
	src := f.source
	if src == nil {
		if f.hasSeed {
			src = newSeededSource(f.seed)
		} else {
			src = newEntropySource()
		}
	}
	f.mu.RUnlock()

	if paramErr != nil {
		f.discard()
		return paramErr
	}
	nFeatures, err := tree.ValidateRows(modelName+".Fit", X, y)
	if err != nil {
		f.discard()
		return err
	}

	logger := f.logger.With(log.OperationKey, log.OperationFit)
	logger.Info("Training started",
		log.PhaseKey, log.PhaseTraining,
		log.SamplesKey, len(y),
		log.FeaturesKey, nFeatures,
		log.NEstimatorsKey, nEstimators,
		log.MaxDepthKey, maxDepth,
		log.NJobsKey, parallel.Workers(nJobs, nEstimators),
	)
	start := time.Now()

	samples := make([][]int, nEstimators)
	for i := range samples {
		samples[i] = Bootstrap(src, len(y))
	}

	trees := make([]*tree.DecisionTreeRegressor, nEstimators)
	err = parallel.ParallelizeN(nEstimators, nJobs, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			t := tree.NewDecisionTreeRegressor(tree.WithMaxDepth(maxDepth))
			if err := t.FitIndices(X, y, samples[i]); err != nil {
				return errors.Wrapf(err, "tree %d", i)
			}
			trees[i] = t
			logger.Debug("Tree fitted",
				log.TreeIndexKey, i,
				log.NodeCountKey, t.NodeCount(),
				log.LeafCountKey, t.NLeaves(),
			)
		}
		return nil
	})
	if err != nil {
		logger.Error("Training failed", err)
		f.discard()
		return err
	}

	oobScore, oobPred := 0.0, []float64(nil)
	if withOOB {
		oobScore, oobPred = outOfBag(trees, samples, X, y)
	}

	f.mu.Lock()
	f.trees = trees
	f.oobScore_ = oobScore
	f.oobPrediction = oobPred
	f.state.SetFitted(nFeatures, len(y))
	f.mu.Unlock()

	fields := []any{
		log.DurationMsKey, time.Since(start).Milliseconds(),
		log.NEstimatorsKey, nEstimators,
	}
	if withOOB {
		fields = append(fields, log.OOBScoreKey, oobScore)
	}
	logger.Info("Training completed", fields...)
	return nil
}

// discard drops the fitted ensemble after a failed Fit.
func (f *RandomForestRegressor) discard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees = nil
	f.oobScore_ = 0
	f.oobPrediction = nil
	f.state.Reset()
}

// snapshot returns the current trees under the read lock.
func (f *RandomForestRegressor) snapshot(op string, width int) ([]*tree.DecisionTreeRegressor, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.state.RequireFeatures(modelName, op, width); err != nil {
		return nil, err
	}
	return f.trees, nil
}

// Predict は入力データに対する予測を行う
func (f *RandomForestRegressor) Predict(X mat.Matrix) (mat.Matrix, error) {
	rows, cols := X.Dims()
	trees, err := f.snapshot("Predict", cols)
	if err != nil {
		return nil, err
	}
	if err := errors.CheckMatrix(modelName+".Predict", X, rows, cols); err != nil {
		return nil, err
	}

	out := make([]float64, rows)
	f.mu.RLock()
	nJobs := f.nJobs
	f.mu.RUnlock()
	err = parallel.ParallelizeN(rows, nJobs, func(lo, hi int) error {
		row := make([]float64, cols)
		outputs := make([]float64, len(trees))
		for i := lo; i < hi; i++ {
			mat.Row(row, i, X)
			out[i] = average(trees, row, outputs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mat.NewDense(rows, 1, out), nil
}

// PredictRow returns the mean of every tree's prediction for x.
func (f *RandomForestRegressor) PredictRow(x []float64) (float64, error) {
	trees, err := f.snapshot("Predict", len(x))
	if err != nil {
		return 0, err
	}
	if err := errors.CheckNumericalStability(modelName+".Predict", x); err != nil {
		return 0, err
	}
	return average(trees, x, make([]float64, len(trees))), nil
}

// PredictTrees returns each tree's prediction for x, in tree order.
func (f *RandomForestRegressor) PredictTrees(x []float64) ([]float64, error) {
	trees, err := f.snapshot("PredictTrees", len(x))
	if err != nil {
		return nil, err
	}
	if err := errors.CheckNumericalStability(modelName+".PredictTrees", x); err != nil {
		return nil, err
	}
	outputs := make([]float64, len(trees))
	for i, t := range trees {
		outputs[i] = t.Value(x)
	}
	return outputs, nil
}

func average(trees []*tree.DecisionTreeRegressor, x, outputs []float64) float64 {
	for i, t := range trees {
		outputs[i] = t.Value(x)
	}
	return stat.Mean(outputs, nil)
}

// Score returns R² of the prediction on X against y.
func (f *RandomForestRegressor) Score(X, y mat.Matrix) (float64, error) {
	pred, err := f.Predict(X)
	if err != nil {
		return 0, err
	}
	return metrics.R2ScoreMatrix(y, pred)
}

// Estimators returns the fitted trees. The trees must not be refitted.
func (f *RandomForestRegressor) Estimators() []*tree.DecisionTreeRegressor {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]*tree.DecisionTreeRegressor(nil), f.trees...)
}

// IsFitted reports whether the forest holds fitted trees.
func (f *RandomForestRegressor) IsFitted() bool {
	return f.state.IsFitted()
}

// NFeatures returns the width seen during Fit.
func (f *RandomForestRegressor) NFeatures() int {
	nFeatures, _ := f.state.GetDimensions()
	return nFeatures
}

// OOBScore returns the out-of-bag R² of the last Fit. It is NaN when no
// row was ever out of bag.
func (f *RandomForestRegressor) OOBScore() (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.state.RequireFitted(modelName, "OOBScore"); err != nil {
		return 0, err
	}
	if f.oobPrediction == nil {
		return 0, errors.NewValueError(modelName+".OOBScore", "fit with WithOOBScore(true) to compute the out-of-bag score")
	}
	return f.oobScore_, nil
}

// OOBPrediction returns, per training row, the mean prediction of the trees
// that did not see it; NaN for rows that were in every bootstrap sample.
func (f *RandomForestRegressor) OOBPrediction() []float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]float64(nil), f.oobPrediction...)
}

// GetParams はハイパーパラメータを取得
func (f *RandomForestRegressor) GetParams() map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	params := map[string]interface{}{
		"n_estimators": f.nEstimators,
		"max_depth":    f.maxDepth,
		"n_jobs":       f.nJobs,
		"oob_score":    f.oobScore,
		"random_state": nil,
	}
	if f.hasSeed {
		params["random_state"] = f.seed
	}
	return params
}

// SetParams はハイパーパラメータを設定
func (f *RandomForestRegressor) SetParams(params map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, value := range params {
		switch key {
		case "n_estimators":
			v, ok := value.(int)
			if !ok || v < 1 {
				return errors.NewValidationError(key, "must be an int >= 1", value)
			}
			f.nEstimators = v
		case "max_depth":
			v, ok := value.(int)
			if !ok || v < 0 {
				return errors.NewValidationError(key, "must be an int >= 0", value)
			}
			f.maxDepth = v
		case "n_jobs":
			v, ok := value.(int)
			if !ok {
				return errors.NewValidationError(key, "must be an int", value)
			}
			f.nJobs = v
		case "oob_score":
			v, ok := value.(bool)
			if !ok {
				return errors.NewValidationError(key, "must be a bool", value)
			}
			f.oobScore = v
		case "random_state":
			switch v := value.(type) {
			case nil:
				f.hasSeed = false
			case uint64:
				f.seed, f.hasSeed = v, true
			case int:
				if v < 0 {
					return errors.NewValidationError(key, "must be non-negative", value)
				}
				f.seed, f.hasSeed = uint64(v), true
			default:
				return errors.NewValidationError(key, "must be an integer seed or nil", value)
			}
		default:
			return errors.NewValidationError(key, "unknown parameter", value)
		}
	}
	return nil
}

// Metadata describes the forest for persistence and display.
func (f *RandomForestRegressor) Metadata() *model.Metadata {
	md := &model.Metadata{
		ModelType:       modelName,
		Version:         model.MetadataVersion,
		Hyperparameters: f.GetParams(),
		IsFitted:        f.IsFitted(),
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if md.IsFitted && f.oobPrediction != nil && !math.IsNaN(f.oobScore_) {
		md.Metrics = map[string]float64{"oob_r2": f.oobScore_}
	}
	return md
}

// forestSnapshot is the gob form of a RandomForestRegressor.
type forestSnapshot struct {
	NEstimators   int
	MaxDepth      int
	NJobs         int
	Seed          uint64
	HasSeed       bool
	OOB           bool
	Trees         []*tree.DecisionTreeRegressor
	NFeatures     int
	OOBScore      float64
	OOBPrediction []float64
	State         model.ModelState
}

// GobEncode implements gob.GobEncoder.
func (f *RandomForestRegressor) GobEncode() ([]byte, error) {
	f.mu.RLock()
	s := forestSnapshot{
		NEstimators:   f.nEstimators,
		MaxDepth:      f.maxDepth,
		NJobs:         f.nJobs,
		Seed:          f.seed,
		HasSeed:       f.hasSeed,
		OOB:           f.oobScore,
		Trees:         f.trees,
		NFeatures:     f.NFeatures(),
		OOBScore:      f.oobScore_,
		OOBPrediction: f.oobPrediction,
		State:         f.state.GetState(),
	}
	f.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, errors.Wrap(err, "encode forest")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder. The decoded forest uses the default
// logger and an entropy-seeded source unless it was saved with a seed.
func (f *RandomForestRegressor) GobDecode(data []byte) error {
	var s forestSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return errors.Wrap(err, "decode forest")
	}
	if s.State.Fitted {
		if len(s.Trees) == 0 {
			return errors.Wrap(errors.ErrCorruptModel, "fitted forest without trees")
		}
		if s.State.NFeatures != s.NFeatures {
			return errors.Wrap(errors.ErrCorruptModel, "forest feature count does not match its state")
		}
		for i, t := range s.Trees {
			if t == nil || !t.IsFitted() || t.NFeatures() != s.NFeatures {
				return errors.Wrapf(errors.ErrCorruptModel, "tree %d", i)
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		f.state = model.NewStateManager()
	}
	if f.logger == nil {
		f.logger = log.GetLoggerWithName("ensemble").With(log.ModelNameKey, modelName)
	}
	f.nEstimators = s.NEstimators
	f.maxDepth = s.MaxDepth
	f.nJobs = s.NJobs
	f.seed = s.Seed
	f.hasSeed = s.HasSeed
	f.oobScore = s.OOB
	f.trees = s.Trees
	f.oobScore_ = s.OOBScore
	f.oobPrediction = s.OOBPrediction
	f.state.SetState(s.State)
	return nil
}
