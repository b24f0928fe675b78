package tree

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/bms-analytics/bmsforest/core/model"
	"github.com/bms-analytics/bmsforest/pkg/errors"
)

// synthetic returns n rows of 3 features with a noisy nonlinear target.
func synthetic(n int, seed uint64) ([][]float64, []float64) {
	rng := rand.New(rand.NewPCG(seed, seed))
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		X[i] = []float64{rng.Float64() * 10, rng.Float64() * 5, float64(rng.IntN(4))}
		y[i] = math.Sin(X[i][0]) + 0.5*X[i][1] + X[i][2] + 0.1*rng.NormFloat64()
	}
	return X, y
}

func TestDecisionTreeRegressor_IsolatesOutlier(t *testing.T) {
	X := [][]float64{{1}, {2}, {3}, {10}}
	y := []float64{1, 2, 3, 10}

	dt := NewDecisionTreeRegressor(WithMaxDepth(3))
	require.NoError(t, dt.FitRows(X, y))

	nodes := dt.Nodes()
	root := nodes[0]
	assert.False(t, root.Leaf)
	assert.Equal(t, 0, root.Feature)
	assert.Equal(t, 6.5, root.Threshold)
	assert.Equal(t, 4, root.Samples)

	// {1,2,3}: thresholds 1.5 and 2.5 tie, the first one enumerated wins
	left := nodes[root.Left]
	assert.Equal(t, 1.5, left.Threshold)

	for _, v := range []float64{1, 2, 3, 10} {
		got, err := dt.PredictRow([]float64{v})
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	assert.LessOrEqual(t, dt.Depth(), 3)
}

func TestDecisionTreeRegressor_MirroredTieKeepsFirstThreshold(t *testing.T) {
	X := [][]float64{{1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}}
	y := []float64{1.44, 3.47, 6.58, 5.97, 5.97, 6.58, 3.47, 1.44}

	dt := NewDecisionTreeRegressor(WithMaxDepth(1))
	require.NoError(t, dt.FitRows(X, y))
	root := dt.Nodes()[0]
	require.False(t, root.Leaf)
	assert.Equal(t, 1.5, root.Threshold)
}

func TestDecisionTreeRegressor_PalindromicTargets(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	for trial := 0; trial < 500; trial++ {
		half := 2 + rng.IntN(6)
		n := 2*half + rng.IntN(2)
		X := make([][]float64, n)
		y := make([]float64, n)
		for i := 0; i < n; i++ {
			X[i] = []float64{float64(i + 1)}
		}
		for i := 0; i < (n+1)/2; i++ {
			v := math.Round(rng.Float64()*1000) / 100
			y[i], y[n-1-i] = v, v
		}

		dt := NewDecisionTreeRegressor(WithMaxDepth(1))
		require.NoError(t, dt.FitRows(X, y))
		root := dt.Nodes()[0]
		if root.Leaf {
			continue
		}
		// split k and split n-k reduce variance equally; the lower one wins
		assert.LessOrEqual(t, root.Threshold, float64(n)/2+0.5, "y=%v", y)
	}
}

func TestDecisionTreeRegressor_FeatureTieKeepsLowestFeature(t *testing.T) {
	// feature 1 is feature 0 reversed, so every partition appears on both
	X := make([][]float64, 9)
	y := []float64{0.3, 1.7, 2.2, 2.9, 8.1, 8.4, 9.9, 10.2, 12.6}
	for i := range X {
		X[i] = []float64{float64(i), float64(len(X) - i)}
	}

	dt := NewDecisionTreeRegressor(WithMaxDepth(1))
	require.NoError(t, dt.FitRows(X, y))
	root := dt.Nodes()[0]
	require.False(t, root.Leaf)
	assert.Equal(t, 0, root.Feature)
	assert.Equal(t, 3.5, root.Threshold)
}

func TestDecisionTreeRegressor_DepthZeroIsMean(t *testing.T) {
	X, y := synthetic(40, 1)
	dt := NewDecisionTreeRegressor(WithMaxDepth(0))
	require.NoError(t, dt.FitRows(X, y))

	assert.Equal(t, 1, dt.NodeCount())
	want := stat.Mean(y, nil)
	for _, x := range [][]float64{{0, 0, 0}, {100, -3, 2}} {
		got, err := dt.PredictRow(x)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-12)
	}
}

func TestDecisionTreeRegressor_ConstantTarget(t *testing.T) {
	X, _ := synthetic(30, 2)
	y := make([]float64, len(X))
	for i := range y {
		y[i] = 5.0
	}

	for _, depth := range []int{0, 1, 5, 50} {
		dt := NewDecisionTreeRegressor(WithMaxDepth(depth))
		require.NoError(t, dt.FitRows(X, y))
		assert.Equal(t, 1, dt.NodeCount(), "depth %d", depth)

		got, err := dt.PredictRow([]float64{3, 3, 3})
		require.NoError(t, err)
		assert.Equal(t, 5.0, got)
	}
}

func TestDecisionTreeRegressor_IdenticalRowsBecomeLeaf(t *testing.T) {
	X := [][]float64{{1, 1}, {1, 1}, {1, 1}}
	y := []float64{1, 2, 6}

	dt := NewDecisionTreeRegressor()
	require.NoError(t, dt.FitRows(X, y))
	assert.Equal(t, 1, dt.NodeCount())
	assert.InDelta(t, 3.0, dt.Value([]float64{1, 1}), 1e-12)
}

func TestDecisionTreeRegressor_LeafMeanAndSplitValidity(t *testing.T) {
	X, y := synthetic(200, 3)
	dt := NewDecisionTreeRegressor(WithMaxDepth(6))
	require.NoError(t, dt.FitRows(X, y))

	nodes := dt.Nodes()
	routed := make(map[int][]float64)
	for i, x := range X {
		id, err := dt.Apply(x)
		require.NoError(t, err)
		require.True(t, nodes[id].Leaf)
		routed[id] = append(routed[id], y[i])
	}

	for id, n := range nodes {
		if n.Leaf {
			require.Contains(t, routed, id, "leaf %d receives no training rows", id)
			assert.InDelta(t, stat.Mean(routed[id], nil), n.Value, 1e-9, "leaf %d", id)
			assert.Equal(t, len(routed[id]), n.Samples)
			assert.LessOrEqual(t, n.Depth, 6)
			continue
		}
		l, r := nodes[n.Left], nodes[n.Right]
		assert.Positive(t, l.Samples)
		assert.Positive(t, r.Samples)
		assert.Equal(t, n.Samples, l.Samples+r.Samples)
		assert.Equal(t, n.Depth+1, l.Depth)
		assert.Equal(t, n.Depth+1, r.Depth)
	}
	assert.Equal(t, len(nodes), 2*dt.NLeaves()-1)
}

func TestDecisionTreeRegressor_DepthBound(t *testing.T) {
	X, y := synthetic(150, 4)
	for _, depth := range []int{0, 1, 2, 3, 8} {
		dt := NewDecisionTreeRegressor(WithMaxDepth(depth))
		require.NoError(t, dt.FitRows(X, y))
		assert.LessOrEqual(t, dt.Depth(), depth)
	}
}

func TestDecisionTreeRegressor_Deterministic(t *testing.T) {
	X, y := synthetic(120, 5)

	a := NewDecisionTreeRegressor(WithMaxDepth(8))
	b := NewDecisionTreeRegressor(WithMaxDepth(8))
	require.NoError(t, a.FitRows(X, y))
	require.NoError(t, b.FitRows(X, y))
	assert.Equal(t, a.Nodes(), b.Nodes())

	require.NoError(t, a.FitRows(X, y))
	assert.Equal(t, b.Nodes(), a.Nodes())
}

func TestDecisionTreeRegressor_FitIndicesWithDuplicates(t *testing.T) {
	X := [][]float64{{0}, {1}, {2}}
	y := []float64{0, 10, 20}

	dt := NewDecisionTreeRegressor()
	require.NoError(t, dt.FitIndices(X, y, []int{0, 0, 0, 2}))

	nodes := dt.Nodes()
	assert.Equal(t, 4, nodes[0].Samples)
	assert.Equal(t, 1.0, nodes[0].Threshold)
	assert.Equal(t, 0.0, dt.Value([]float64{0}))
	assert.Equal(t, 20.0, dt.Value([]float64{2}))

	assert.Error(t, dt.FitIndices(X, y, []int{0, 3}))
	assert.True(t, errors.Is(dt.FitIndices(X, y, nil), errors.ErrEmptyData))
}

func TestDecisionTreeRegressor_MatrixAPI(t *testing.T) {
	X := mat.NewDense(6, 2, []float64{
		0, 1,
		1, 1,
		2, 1,
		3, 0,
		4, 0,
		5, 0,
	})
	y := mat.NewDense(6, 1, []float64{1, 1, 1, 4, 4, 4})

	dt := NewDecisionTreeRegressor()
	require.NoError(t, dt.Fit(X, y))

	pred, err := dt.Predict(X)
	require.NoError(t, err)
	r, c := pred.Dims()
	assert.Equal(t, 6, r)
	assert.Equal(t, 1, c)
	assert.True(t, mat.Equal(y, pred))

	score, err := dt.Score(X, y)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-12)
}

func TestDecisionTreeRegressor_PredictLargeMatrix(t *testing.T) {
	X, y := synthetic(200, 4)
	dt := NewDecisionTreeRegressor(WithMaxDepth(6))
	require.NoError(t, dt.FitRows(X, y))

	test, _ := synthetic(3*predictParallelThreshold, 5)
	flat := make([]float64, 0, len(test)*3)
	for _, row := range test {
		flat = append(flat, row...)
	}
	pred, err := dt.Predict(mat.NewDense(len(test), 3, flat))
	require.NoError(t, err)
	for i, row := range test {
		want, err := dt.PredictRow(row)
		require.NoError(t, err)
		assert.Equal(t, want, pred.At(i, 0))
	}
}

func TestDecisionTreeRegressor_Errors(t *testing.T) {
	dt := NewDecisionTreeRegressor()

	t.Run("not fitted", func(t *testing.T) {
		_, err := dt.PredictRow([]float64{1})
		var nf *errors.NotFittedError
		assert.True(t, errors.As(err, &nf))

		_, err = dt.Predict(mat.NewDense(1, 1, []float64{1}))
		assert.True(t, errors.As(err, &nf))
	})

	t.Run("empty", func(t *testing.T) {
		err := dt.FitRows(nil, nil)
		assert.True(t, errors.Is(err, errors.ErrEmptyData))
		err = dt.Fit(&mat.Dense{}, &mat.Dense{})
		assert.True(t, errors.Is(err, errors.ErrEmptyData))
	})

	t.Run("length mismatch", func(t *testing.T) {
		err := dt.FitRows([][]float64{{1}, {2}}, []float64{1})
		var de *errors.DimensionError
		assert.True(t, errors.As(err, &de))

		err = dt.Fit(mat.NewDense(2, 1, nil), mat.NewDense(3, 1, nil))
		assert.True(t, errors.As(err, &de))
	})

	t.Run("ragged rows", func(t *testing.T) {
		err := dt.FitRows([][]float64{{1, 2}, {3}}, []float64{1, 2})
		var se *errors.InputShapeError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, 1, se.Row)
	})

	t.Run("non-finite", func(t *testing.T) {
		var ve *errors.ValueError
		err := dt.FitRows([][]float64{{math.NaN()}, {1}}, []float64{1, 2})
		assert.True(t, errors.As(err, &ve))
		err = dt.FitRows([][]float64{{0}, {1}}, []float64{1, math.Inf(1)})
		assert.True(t, errors.As(err, &ve))
	})

	t.Run("negative depth", func(t *testing.T) {
		bad := NewDecisionTreeRegressor(WithMaxDepth(-1))
		err := bad.FitRows([][]float64{{1}}, []float64{1})
		var ve *errors.ValidationError
		assert.True(t, errors.As(err, &ve))
	})

	t.Run("failed refit discards", func(t *testing.T) {
		require.NoError(t, dt.FitRows([][]float64{{1}, {2}}, []float64{1, 2}))
		require.Error(t, dt.FitRows([][]float64{{math.NaN()}}, []float64{1}))
		assert.False(t, dt.IsFitted())
		assert.Zero(t, dt.NodeCount())
		assert.Zero(t, dt.NFeatures())
	})

	t.Run("width mismatch at predict", func(t *testing.T) {
		require.NoError(t, dt.FitRows([][]float64{{1, 2}, {3, 4}}, []float64{1, 2}))
		_, err := dt.PredictRow([]float64{1})
		var de *errors.DimensionError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, 2, de.Expected)
		assert.Equal(t, 1, de.Got)
	})
}

func TestFromNodes(t *testing.T) {
	stump := []Node{
		{Feature: 1, Threshold: 0.5, Left: 1, Right: 2, Samples: 2},
		leafNode(-1, 1, 1, 0),
		leafNode(1, 1, 1, 0),
	}
	dt, err := FromNodes(stump, 2)
	require.NoError(t, err)
	assert.Equal(t, -1.0, dt.Value([]float64{9, 0}))
	assert.Equal(t, 1.0, dt.Value([]float64{9, 1}))
	assert.Equal(t, 1, dt.Depth())
	assert.Equal(t, 2, dt.NLeaves())

	constant, err := FromNodes([]Node{leafNode(7, 1, 0, 0)}, 3)
	require.NoError(t, err)
	got, err := constant.PredictRow([]float64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 7.0, got)

	bad := [][]Node{
		nil,
		{{Feature: 0, Left: 0, Right: 1}, leafNode(0, 1, 1, 0)},
		{{Feature: 5, Left: 1, Right: 2}, leafNode(0, 1, 1, 0), leafNode(0, 1, 1, 0)},
		{{Feature: 0, Left: 1, Right: 1}, leafNode(0, 1, 1, 0)},
	}
	for i, nodes := range bad {
		_, err := FromNodes(nodes, 2)
		assert.Error(t, err, "case %d", i)
	}
}

func TestDecisionTreeRegressor_Gob(t *testing.T) {
	X, y := synthetic(80, 6)
	dt := NewDecisionTreeRegressor(WithMaxDepth(4))
	require.NoError(t, dt.FitRows(X, y))

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(dt))

	var back DecisionTreeRegressor
	require.NoError(t, gob.NewDecoder(&buf).Decode(&back))
	assert.True(t, back.IsFitted())
	assert.Equal(t, 4, back.GetParams()["max_depth"])
	for _, x := range X[:10] {
		want, _ := dt.PredictRow(x)
		got, err := back.PredictRow(x)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	buf.Reset()
	require.NoError(t, model.SaveModelToWriter(dt, &buf))
	var loaded DecisionTreeRegressor
	require.NoError(t, model.LoadModelFromReader(&loaded, &buf))
	assert.Equal(t, dt.Nodes(), loaded.Nodes())
}

func TestDecisionTreeRegressor_Params(t *testing.T) {
	dt := NewDecisionTreeRegressor()
	assert.Equal(t, DefaultMaxDepth, dt.GetParams()["max_depth"])

	require.NoError(t, dt.SetParams(map[string]interface{}{"max_depth": 2}))
	assert.Equal(t, 2, dt.GetParams()["max_depth"])

	assert.Error(t, dt.SetParams(map[string]interface{}{"max_depth": -2}))
	assert.Error(t, dt.SetParams(map[string]interface{}{"criterion": "gini"}))
}

func TestMidpoint(t *testing.T) {
	assert.Equal(t, 2.5, midpoint(2, 3))
	next := math.Nextafter(1, 2)
	assert.Equal(t, 1.0, midpoint(1, next))
	assert.False(t, math.IsInf(midpoint(math.MaxFloat64/2*1.5, math.MaxFloat64), 0))
}
