package ensemble

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/bms-analytics/bmsforest/metrics"
	"github.com/bms-analytics/bmsforest/pkg/errors"
	"github.com/bms-analytics/bmsforest/sklearn/tree"
)

// outOfBag predicts each training row with the trees whose bootstrap sample
// left it out, and scores those predictions with R². Rows that were in
// every sample get NaN and are excluded from the score.
func outOfBag(trees []*tree.DecisionTreeRegressor, samples [][]int, X [][]float64, y []float64) (float64, []float64) {
	n := len(y)
	sum := make([]float64, n)
	count := make([]int, n)

	for i, t := range trees {
		bag := inBag(samples[i], n)
		for j := 0; j < n; j++ {
			if bag[j] {
				continue
			}
			sum[j] += t.Value(X[j])
			count[j]++
		}
	}

	pred := make([]float64, n)
	var truth, scored []float64
	for j := range pred {
		if count[j] == 0 {
			pred[j] = math.NaN()
			continue
		}
		pred[j] = sum[j] / float64(count[j])
		truth = append(truth, y[j])
		scored = append(scored, pred[j])
	}

	if len(truth) == 0 {
		errors.Warn(errors.NewUndefinedMetricWarning("oob_score",
			"every sample was drawn into every bootstrap sample", math.NaN()))
		return math.NaN(), pred
	}

	score, err := metrics.R2Score(mat.NewVecDense(len(truth), truth), mat.NewVecDense(len(scored), scored))
	if err != nil {
		errors.Warn(errors.NewUndefinedMetricWarning("oob_score",
			"out-of-bag targets have no variance", math.NaN()))
		return math.NaN(), pred
	}
	return score, pred
}
