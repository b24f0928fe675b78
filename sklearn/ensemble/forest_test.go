package ensemble

import (
	"bytes"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/bms-analytics/bmsforest/core/model"
	"github.com/bms-analytics/bmsforest/pkg/errors"
	"github.com/bms-analytics/bmsforest/pkg/log"
	"github.com/bms-analytics/bmsforest/sklearn/tree"
)

// scriptedSource replays a fixed sequence of indices and counts draws.
type scriptedSource struct {
	seq   []int
	pos   int
	calls int
}

func (s *scriptedSource) IntN(n int) int {
	s.calls++
	v := s.seq[s.pos%len(s.seq)] % n
	s.pos++
	return v
}

// countingSource wraps a real generator and counts draws.
type countingSource struct {
	rng   *rand.Rand
	calls int
}

func (c *countingSource) IntN(n int) int {
	c.calls++
	return c.rng.IntN(n)
}

func dataset(n int, seed uint64) ([][]float64, []float64) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		X[i] = []float64{rng.Float64() * 4, rng.Float64()}
		y[i] = X[i][0]*X[i][0] + X[i][1] + 0.05*rng.NormFloat64()
	}
	return X, y
}

func constantTree(t *testing.T, v float64, nFeatures int) *tree.DecisionTreeRegressor {
	t.Helper()
	dt, err := tree.FromNodes([]tree.Node{{Leaf: true, Value: v, Left: tree.NoChild, Right: tree.NoChild, Samples: 1}}, nFeatures)
	require.NoError(t, err)
	return dt
}

func quietLogger() log.Logger {
	logger, _ := log.NewTestLogger(log.LevelError)
	return logger
}

func TestRandomForestRegressor_EnsembleSize(t *testing.T) {
	for _, n := range []int{1, 2, 25} {
		X, y := dataset(n, 1)
		for _, k := range []int{1, 3, 10} {
			f := NewRandomForestRegressor(WithNEstimators(k), WithRandomState(1), WithLogger(quietLogger()))
			require.NoError(t, f.FitRows(X, y))
			assert.Len(t, f.Estimators(), k, "n=%d k=%d", n, k)
		}
	}
}

func TestRandomForestRegressor_BootstrapSampleSize(t *testing.T) {
	X, y := dataset(37, 2)
	src := &countingSource{rng: rand.New(rand.NewPCG(3, 3))}
	f := NewRandomForestRegressor(WithNEstimators(6), WithRandomSource(src), WithLogger(quietLogger()))
	require.NoError(t, f.FitRows(X, y))

	assert.Equal(t, 6*37, src.calls)
	for _, est := range f.Estimators() {
		assert.Equal(t, 37, est.Nodes()[0].Samples)
	}
}

func TestBootstrap(t *testing.T) {
	src := &scriptedSource{seq: []int{4, 0, 0, 2, 9}}
	inx := Bootstrap(src, 5)
	assert.Equal(t, []int{4, 0, 0, 2, 4}, inx)
	assert.Equal(t, 5, src.calls)

	bag := inBag(inx, 5)
	assert.Equal(t, []bool{true, false, true, false, true}, bag)
}

func TestRandomForestRegressor_AggregatesMean(t *testing.T) {
	trees := []*tree.DecisionTreeRegressor{
		constantTree(t, 1, 2),
		constantTree(t, 2, 2),
		constantTree(t, 6, 2),
	}
	f, err := FromEstimators(trees, WithLogger(quietLogger()))
	require.NoError(t, err)

	got, err := f.PredictRow([]float64{0.3, -7})
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)

	outputs, err := f.PredictTrees([]float64{0, 0})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 6}, outputs)

	pred, err := f.Predict(mat.NewDense(2, 2, []float64{1, 2, 3, 4}))
	require.NoError(t, err)
	assert.Equal(t, 3.0, pred.At(0, 0))
	assert.Equal(t, 3.0, pred.At(1, 0))

	_, err = FromEstimators(nil)
	assert.Error(t, err)
	_, err = FromEstimators([]*tree.DecisionTreeRegressor{constantTree(t, 1, 2), constantTree(t, 1, 3)})
	assert.Error(t, err)
	_, err = FromEstimators([]*tree.DecisionTreeRegressor{tree.NewDecisionTreeRegressor()})
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))
}

func TestRandomForestRegressor_MeanOfTrees(t *testing.T) {
	X, y := dataset(60, 4)
	f := NewRandomForestRegressor(WithNEstimators(9), WithRandomState(5), WithLogger(quietLogger()))
	require.NoError(t, f.FitRows(X, y))

	for _, x := range X[:5] {
		outputs, err := f.PredictTrees(x)
		require.NoError(t, err)
		var sum float64
		for _, o := range outputs {
			sum += o
		}
		got, err := f.PredictRow(x)
		require.NoError(t, err)
		assert.InDelta(t, sum/9, got, 1e-12)
	}
}

func TestRandomForestRegressor_IdempotentPredict(t *testing.T) {
	X, y := dataset(40, 6)
	f := NewRandomForestRegressor(WithNEstimators(5), WithRandomState(9), WithLogger(quietLogger()))
	require.NoError(t, f.FitRows(X, y))

	a, err := f.PredictRow([]float64{1.5, 0.5})
	require.NoError(t, err)
	b, err := f.PredictRow([]float64{1.5, 0.5})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRandomForestRegressor_ScriptedSample(t *testing.T) {
	X := [][]float64{{0}, {1}, {2}, {3}}
	y := []float64{10, 20, 30, 40}

	// the only tree sees rows 0 and 1
	src := &scriptedSource{seq: []int{0, 0, 1, 1}}
	f := NewRandomForestRegressor(WithNEstimators(1), WithMaxDepth(3), WithRandomSource(src), WithLogger(quietLogger()))
	require.NoError(t, f.FitRows(X, y))

	got, err := f.PredictRow([]float64{3})
	require.NoError(t, err)
	assert.Equal(t, 20.0, got)
	got, err = f.PredictRow([]float64{0})
	require.NoError(t, err)
	assert.Equal(t, 10.0, got)
}

func TestRandomForestRegressor_DepthZeroSingleTree(t *testing.T) {
	X := [][]float64{{0}, {1}, {2}, {3}}
	y := []float64{10, 20, 30, 40}

	src := &scriptedSource{seq: []int{0, 0, 2, 3}}
	f := NewRandomForestRegressor(WithNEstimators(1), WithMaxDepth(0), WithRandomSource(src), WithLogger(quietLogger()))
	require.NoError(t, f.FitRows(X, y))

	for _, x := range []float64{-100, 0, 1.5, 3, 1e6} {
		got, err := f.PredictRow([]float64{x})
		require.NoError(t, err)
		assert.InDelta(t, 22.5, got, 1e-12)
	}
}

func TestRandomForestRegressor_ConstantTarget(t *testing.T) {
	X, _ := dataset(30, 7)
	y := make([]float64, len(X))
	for i := range y {
		y[i] = 5
	}
	f := NewRandomForestRegressor(WithNEstimators(7), WithRandomState(1), WithLogger(quietLogger()))
	require.NoError(t, f.FitRows(X, y))

	got, err := f.PredictRow([]float64{100, -100})
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)
}

func TestRandomForestRegressor_DeterministicAcrossJobs(t *testing.T) {
	X, y := dataset(80, 8)
	Xm := mat.NewDense(len(X), 2, nil)
	for i, row := range X {
		Xm.SetRow(i, row)
	}

	var preds []mat.Matrix
	for _, jobs := range []int{1, 2, 8} {
		f := NewRandomForestRegressor(WithNEstimators(12), WithRandomState(42), WithNJobs(jobs), WithLogger(quietLogger()))
		require.NoError(t, f.FitRows(X, y))
		p, err := f.Predict(Xm)
		require.NoError(t, err)
		preds = append(preds, p)
	}
	assert.True(t, mat.Equal(preds[0], preds[1]))
	assert.True(t, mat.Equal(preds[0], preds[2]))
}

func TestRandomForestRegressor_RefitReplaces(t *testing.T) {
	X, y := dataset(30, 9)
	f := NewRandomForestRegressor(WithNEstimators(3), WithRandomState(1), WithLogger(quietLogger()))
	require.NoError(t, f.FitRows(X, y))
	first := f.Estimators()

	require.NoError(t, f.SetParams(map[string]interface{}{"n_estimators": 5}))
	require.NoError(t, f.FitRows(X, y))
	assert.Len(t, f.Estimators(), 5)
	assert.Len(t, first, 3)

	// same seed, same data, same forest
	g := NewRandomForestRegressor(WithNEstimators(5), WithRandomState(1), WithLogger(quietLogger()))
	require.NoError(t, g.FitRows(X, y))
	a, _ := f.PredictRow(X[0])
	b, _ := g.PredictRow(X[0])
	assert.Equal(t, a, b)

	// a failed refit leaves no stale ensemble behind
	require.Error(t, f.FitRows([][]float64{{1, math.NaN()}}, []float64{1}))
	assert.False(t, f.IsFitted())
	assert.Empty(t, f.Estimators())
	assert.Equal(t, 0, f.NFeatures())
	_, err := f.PredictRow(X[0])
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))

	require.Error(t, g.Fit(mat.NewDense(2, 2, nil), mat.NewDense(3, 1, nil)))
	assert.False(t, g.IsFitted())
}

func TestRandomForestRegressor_Errors(t *testing.T) {
	f := NewRandomForestRegressor(WithNEstimators(2), WithLogger(quietLogger()))

	_, err := f.PredictRow([]float64{1, 2})
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))
	_, err = f.Predict(mat.NewDense(1, 2, nil))
	assert.True(t, errors.As(err, &nf))

	var de *errors.DimensionError
	assert.True(t, errors.As(f.FitRows([][]float64{{1, 2}}, []float64{1, 2}), &de))
	assert.True(t, errors.As(f.Fit(mat.NewDense(2, 2, nil), mat.NewDense(2, 2, nil)), &de))

	var se *errors.InputShapeError
	assert.True(t, errors.As(f.FitRows([][]float64{{1, 2}, {1}}, []float64{1, 2}), &se))
	assert.True(t, errors.Is(f.FitRows(nil, nil), errors.ErrEmptyData))

	var ve *errors.ValidationError
	bad := NewRandomForestRegressor(WithNEstimators(0), WithLogger(quietLogger()))
	assert.True(t, errors.As(bad.FitRows([][]float64{{1}}, []float64{1}), &ve))
	bad = NewRandomForestRegressor(WithMaxDepth(-1), WithLogger(quietLogger()))
	assert.True(t, errors.As(bad.FitRows([][]float64{{1}}, []float64{1}), &ve))

	X, y := dataset(10, 1)
	require.NoError(t, f.FitRows(X, y))
	_, err = f.PredictRow([]float64{1})
	assert.True(t, errors.As(err, &de))
	_, err = f.PredictRow([]float64{math.NaN(), 1})
	var valErr *errors.ValueError
	assert.True(t, errors.As(err, &valErr))
}

func TestRandomForestRegressor_OOB(t *testing.T) {
	X, y := dataset(200, 10)
	f := NewRandomForestRegressor(WithNEstimators(30), WithMaxDepth(8), WithRandomState(3), WithOOBScore(true), WithLogger(quietLogger()))
	require.NoError(t, f.FitRows(X, y))

	score, err := f.OOBScore()
	require.NoError(t, err)
	assert.Greater(t, score, 0.8)

	pred := f.OOBPrediction()
	assert.Len(t, pred, 200)
	finite := 0
	for _, p := range pred {
		if !math.IsNaN(p) {
			finite++
		}
	}
	assert.Greater(t, finite, 190)

	plain := NewRandomForestRegressor(WithNEstimators(2), WithLogger(quietLogger()))
	require.NoError(t, plain.FitRows(X, y))
	_, err = plain.OOBScore()
	assert.Error(t, err)
}

func TestRandomForestRegressor_OOBUndefined(t *testing.T) {
	var warnings []error
	restoreZerolog := errors.SetZerologWarnFunc(nil)
	restoreHandler := errors.SetWarningHandler(func(w error) { warnings = append(warnings, w) })
	t.Cleanup(func() {
		errors.SetWarningHandler(restoreHandler)
		errors.SetZerologWarnFunc(restoreZerolog)
	})

	f := NewRandomForestRegressor(WithNEstimators(4), WithOOBScore(true), WithLogger(quietLogger()))
	require.NoError(t, f.FitRows([][]float64{{1}}, []float64{2}))

	score, err := f.OOBScore()
	require.NoError(t, err)
	assert.True(t, math.IsNaN(score))
	require.Len(t, warnings, 1)
	var w *errors.UndefinedMetricWarning
	assert.True(t, errors.As(warnings[0], &w))
	assert.Equal(t, "oob_score", w.Metric)
}

func TestRandomForestRegressor_Score(t *testing.T) {
	X, y := dataset(120, 11)
	Xm := mat.NewDense(len(X), 2, nil)
	for i, row := range X {
		Xm.SetRow(i, row)
	}
	ym := mat.NewDense(len(y), 1, y)

	f := NewRandomForestRegressor(WithNEstimators(20), WithRandomState(2), WithLogger(quietLogger()))
	require.NoError(t, f.Fit(Xm, ym))
	score, err := f.Score(Xm, ym)
	require.NoError(t, err)
	assert.Greater(t, score, 0.9)

	_, err = f.Score(Xm, mat.NewDense(len(y), 2, nil))
	var ve *errors.ValueError
	assert.True(t, errors.As(err, &ve))
	_, err = f.Score(Xm, mat.NewDense(len(y)-1, 1, y[1:]))
	var de *errors.DimensionError
	assert.True(t, errors.As(err, &de))
}

func TestRandomForestRegressor_Params(t *testing.T) {
	f := NewRandomForestRegressor(WithRandomState(7))
	params := f.GetParams()
	assert.Equal(t, DefaultNEstimators, params["n_estimators"])
	assert.Equal(t, DefaultMaxDepth, params["max_depth"])
	assert.Equal(t, uint64(7), params["random_state"])

	require.NoError(t, f.SetParams(map[string]interface{}{
		"n_estimators": 3,
		"max_depth":    2,
		"n_jobs":       2,
		"oob_score":    true,
		"random_state": nil,
	}))
	params = f.GetParams()
	assert.Equal(t, 3, params["n_estimators"])
	assert.Equal(t, true, params["oob_score"])
	assert.Nil(t, params["random_state"])

	assert.Error(t, f.SetParams(map[string]interface{}{"n_estimators": 0}))
	assert.Error(t, f.SetParams(map[string]interface{}{"max_depth": "deep"}))
	assert.Error(t, f.SetParams(map[string]interface{}{"max_features": 2}))
}

func TestRandomForestRegressor_Persistence(t *testing.T) {
	X, y := dataset(50, 12)
	f := NewRandomForestRegressor(WithNEstimators(4), WithRandomState(1), WithOOBScore(true), WithLogger(quietLogger()))
	require.NoError(t, f.FitRows(X, y))

	var buf bytes.Buffer
	require.NoError(t, model.SaveModelToWriter(f, &buf))

	var loaded RandomForestRegressor
	require.NoError(t, model.LoadModelFromReader(&loaded, &buf))
	assert.True(t, loaded.IsFitted())
	assert.Len(t, loaded.Estimators(), 4)

	for _, x := range X[:5] {
		want, _ := f.PredictRow(x)
		got, err := loaded.PredictRow(x)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	want, _ := f.OOBScore()
	got, err := loaded.OOBScore()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	md := loaded.Metadata()
	assert.Equal(t, "RandomForestRegressor", md.ModelType)
	assert.Contains(t, md.Metrics, "oob_r2")
	assert.NoError(t, md.Validate())
}

func TestRandomForestRegressor_Logging(t *testing.T) {
	logger, _ := log.NewTestLogger(log.LevelDebug)
	X, y := dataset(20, 13)

	f := NewRandomForestRegressor(WithNEstimators(3), WithRandomState(1), WithLogger(logger))
	require.NoError(t, f.FitRows(X, y))

	assert.True(t, logger.ContainsMessage("Training started"))
	assert.True(t, logger.ContainsMessage("Training completed"))
	assert.True(t, logger.ContainsField(log.ModelNameKey, "RandomForestRegressor"))
	assert.True(t, logger.ContainsField(log.SamplesKey, float64(20)))
	assert.True(t, logger.ContainsField(log.TreeIndexKey, float64(2)))
}
