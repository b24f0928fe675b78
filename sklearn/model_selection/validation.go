package model_selection

import (
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/bms-analytics/bmsforest/core/model"
	"github.com/bms-analytics/bmsforest/core/parallel"
	"github.com/bms-analytics/bmsforest/metrics"
	"github.com/bms-analytics/bmsforest/pkg/errors"
	"github.com/bms-analytics/bmsforest/pkg/log"
)

// Estimator is what CrossValScore fits and scores on each fold.
type Estimator interface {
	model.Fitter
	model.Predictor
}

// CVResult stores cross-validation results
type CVResult struct {
	TestScores []float64 // R² per fold
	FitTimes   []time.Duration
}

// MeanScore returns mean test score
func (cv *CVResult) MeanScore() float64 {
	if len(cv.TestScores) == 0 {
		return 0
	}
	return stat.Mean(cv.TestScores, nil)
}

// StdScore returns the sample standard deviation of test scores
func (cv *CVResult) StdScore() float64 {
	if len(cv.TestScores) <= 1 {
		return 0
	}
	return stat.StdDev(cv.TestScores, nil)
}

// CrossValScore fits a fresh estimator from newEstimator on each training
// fold and scores it with R² on the held-out fold. Folds run concurrently,
// at most nJobs at a time (<= 0 for one per CPU).
func CrossValScore(newEstimator func() Estimator, X, y mat.Matrix, splitter Splitter, nJobs int) (*CVResult, error) {
	rows, _ := X.Dims()
	yRows, yCols := y.Dims()
	if yCols != 1 {
		return nil, errors.NewDimensionError("CrossValScore", 1, yCols, 1)
	}
	if rows != yRows {
		return nil, errors.NewDimensionError("CrossValScore", rows, yRows, 0)
	}

	folds, err := splitter.Split(rows)
	if err != nil {
		return nil, err
	}

	logger := log.GetLoggerWithName("model_selection")
	result := &CVResult{
		TestScores: make([]float64, len(folds)),
		FitTimes:   make([]time.Duration, len(folds)),
	}

	err = parallel.ParallelizeN(len(folds), nJobs, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			trainX, trainY := extractSubset(X, y, folds[i].TrainIndices)
			testX, testY := extractSubset(X, y, folds[i].TestIndices)

			est := newEstimator()
			start := time.Now()
			if err := est.Fit(trainX, trainY); err != nil {
				return errors.Wrapf(err, "fold %d training failed", i)
			}
			result.FitTimes[i] = time.Since(start)

			pred, err := est.Predict(testX)
			if err != nil {
				return errors.Wrapf(err, "fold %d prediction failed", i)
			}
			score, err := metrics.R2ScoreMatrix(testY, pred)
			if err != nil {
				return errors.Wrapf(err, "fold %d scoring failed", i)
			}
			result.TestScores[i] = score

			logger.Debug("Fold scored",
				log.FoldKey, i,
				log.R2ScoreKey, score,
				log.DurationMsKey, result.FitTimes[i].Milliseconds(),
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// extractSubset copies the rows of X and y referenced by indices.
func extractSubset(X, y mat.Matrix, indices []int) (*mat.Dense, *mat.Dense) {
	_, xCols := X.Dims()
	xSubset := mat.NewDense(len(indices), xCols, nil)
	ySubset := mat.NewDense(len(indices), 1, nil)

	for i, idx := range indices {
		for j := 0; j < xCols; j++ {
			xSubset.Set(i, j, X.At(idx, j))
		}
		ySubset.Set(i, 0, y.At(idx, 0))
	}
	return xSubset, ySubset
}
