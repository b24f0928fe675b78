package model_selection

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/bms-analytics/bmsforest/pkg/errors"
	"github.com/bms-analytics/bmsforest/sklearn/ensemble"
	"github.com/bms-analytics/bmsforest/sklearn/tree"
)

func TestKFold_Split(t *testing.T) {
	for _, shuffle := range []bool{false, true} {
		kf := NewKFold(3, shuffle, 7)
		folds, err := kf.Split(10)
		require.NoError(t, err)
		require.Len(t, folds, 3)

		var allTest []int
		for i, f := range folds {
			assert.Len(t, f.TrainIndices, 10-len(f.TestIndices))
			if i == 0 {
				assert.Len(t, f.TestIndices, 4)
			} else {
				assert.Len(t, f.TestIndices, 3)
			}
			for _, idx := range f.TestIndices {
				assert.NotContains(t, f.TrainIndices, idx)
			}
			allTest = append(allTest, f.TestIndices...)
		}
		sort.Ints(allTest)
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, allTest)
	}

	a, _ := NewKFold(4, true, 1).Split(20)
	b, _ := NewKFold(4, true, 1).Split(20)
	assert.Equal(t, a, b)

	assert.Equal(t, 5, NewKFold(1, false, 0).GetNSplits())

	_, err := NewKFold(5, false, 0).Split(3)
	var ve *errors.ValueError
	assert.True(t, errors.As(err, &ve))
}

func TestCrossValScore(t *testing.T) {
	n := 60
	X := mat.NewDense(n, 1, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		x := float64(i) / 10
		X.Set(i, 0, x)
		y.Set(i, 0, 2*x+1)
	}

	newForest := func() Estimator {
		return ensemble.NewRandomForestRegressor(ensemble.WithNEstimators(5), ensemble.WithRandomState(1))
	}
	res, err := CrossValScore(newForest, X, y, NewKFold(5, true, 3), 2)
	require.NoError(t, err)
	require.Len(t, res.TestScores, 5)
	assert.Greater(t, res.MeanScore(), 0.9)
	assert.GreaterOrEqual(t, res.StdScore(), 0.0)

	newTree := func() Estimator { return tree.NewDecisionTreeRegressor() }
	res, err = CrossValScore(newTree, X, y, NewKFold(3, true, 1), 1)
	require.NoError(t, err)
	assert.Len(t, res.FitTimes, 3)

	_, err = CrossValScore(newTree, X, mat.NewDense(n-1, 1, nil), NewKFold(3, false, 0), 1)
	var de *errors.DimensionError
	assert.True(t, errors.As(err, &de))
}
