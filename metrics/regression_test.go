package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/bms-analytics/bmsforest/pkg/errors"
)

func vec(v ...float64) *mat.VecDense {
	return mat.NewVecDense(len(v), v)
}

func col(v ...float64) *mat.Dense {
	return mat.NewDense(len(v), 1, v)
}

func TestVectorMetrics(t *testing.T) {
	tests := []struct {
		name         string
		yTrue        *mat.VecDense
		yPred        *mat.VecDense
		mse, mae, r2 float64
	}{
		{
			name:  "perfect prediction",
			yTrue: vec(1, 2, 3, 4, 5),
			yPred: vec(1, 2, 3, 4, 5),
			mse:   0,
			mae:   0,
			r2:    1,
		},
		{
			// TSS = 5, RSS = 1
			name:  "half off each way",
			yTrue: vec(1, 2, 3, 4),
			yPred: vec(1.5, 2.5, 2.5, 3.5),
			mse:   0.25,
			mae:   0.5,
			r2:    0.8,
		},
		{
			// TSS = 200, RSS = 17
			name:  "mixed signs",
			yTrue: vec(10, 20, 30),
			yPred: vec(12, 18, 33),
			mse:   17.0 / 3,
			mae:   7.0 / 3,
			r2:    1 - 17.0/200,
		},
		{
			name:  "predicting the mean",
			yTrue: vec(2, 4, 6, 8),
			yPred: vec(5, 5, 5, 5),
			mse:   5,
			mae:   2,
			r2:    0,
		},
		{
			name:  "worse than the mean",
			yTrue: vec(1, 2, 3),
			yPred: vec(3, 2, 1),
			mse:   8.0 / 3,
			mae:   4.0 / 3,
			r2:    -3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mse, err := MSE(tt.yTrue, tt.yPred)
			require.NoError(t, err)
			assert.InDelta(t, tt.mse, mse, 1e-10)

			rmse, err := RMSE(tt.yTrue, tt.yPred)
			require.NoError(t, err)
			assert.InDelta(t, math.Sqrt(tt.mse), rmse, 1e-10)

			mae, err := MAE(tt.yTrue, tt.yPred)
			require.NoError(t, err)
			assert.InDelta(t, tt.mae, mae, 1e-10)

			r2, err := R2Score(tt.yTrue, tt.yPred)
			require.NoError(t, err)
			assert.InDelta(t, tt.r2, r2, 1e-10)
		})
	}
}

func TestVectorMetrics_Errors(t *testing.T) {
	type metric func(yTrue, yPred *mat.VecDense) (float64, error)
	metrics := map[string]metric{"MSE": MSE, "RMSE": RMSE, "MAE": MAE, "R2Score": R2Score}

	for name, fn := range metrics {
		t.Run(name, func(t *testing.T) {
			_, err := fn(vec(1, 2, 3), vec(1, 2))
			var de *errors.DimensionError
			require.True(t, errors.As(err, &de), "length mismatch: %v", err)
			assert.Equal(t, 3, de.Expected)
			assert.Equal(t, 2, de.Got)

			_, err = fn(&mat.VecDense{}, &mat.VecDense{})
			var ve *errors.ValueError
			assert.True(t, errors.As(err, &ve), "empty: %v", err)
		})
	}

	// 分散ゼロではR²は定義されない
	_, err := R2Score(vec(4, 4, 4), vec(4, 4, 4))
	var ve *errors.ValueError
	assert.True(t, errors.As(err, &ve))
}

func TestMatrixMetrics(t *testing.T) {
	yTrue := col(1, 2, 3, 4)
	yPred := col(1.5, 2.5, 2.5, 3.5)

	mse, err := MSEMatrix(yTrue, yPred)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, mse, 1e-10)

	r2, err := R2ScoreMatrix(yTrue, yPred)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, r2, 1e-10)

	// a VecDense is an n×1 matrix
	r2, err = R2ScoreMatrix(vec(1, 2, 3, 4), yPred)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, r2, 1e-10)
}

// Score passes the caller's y together with an n×1 prediction, so these are
// the shapes a mis-sized target produces.
func TestMatrixMetrics_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yTrue   mat.Matrix
		yPred   mat.Matrix
		wantDim bool
	}{
		{name: "row mismatch", yTrue: col(1, 2, 3), yPred: col(1, 2), wantDim: true},
		{name: "two target columns", yTrue: mat.NewDense(2, 2, []float64{1, 2, 3, 4}), yPred: col(1, 2)},
		{name: "wide prediction", yTrue: col(1, 2), yPred: mat.NewDense(2, 2, []float64{1, 2, 3, 4})},
		{name: "empty target", yTrue: &mat.Dense{}, yPred: col(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for op, fn := range map[string]func(a, b mat.Matrix) (float64, error){
				"MSEMatrix":     MSEMatrix,
				"R2ScoreMatrix": R2ScoreMatrix,
			} {
				_, err := fn(tt.yTrue, tt.yPred)
				require.Error(t, err, op)
				if tt.wantDim {
					var de *errors.DimensionError
					assert.True(t, errors.As(err, &de), op)
					continue
				}
				var ve *errors.ValueError
				require.True(t, errors.As(err, &ve), op)
				assert.Equal(t, op, ve.Op)
			}
		})
	}
}
