package tree

import (
	"gonum.org/v1/gonum/mat"

	"github.com/bms-analytics/bmsforest/pkg/errors"
)

// MatrixRows copies X into a slice of rows.
func MatrixRows(X mat.Matrix) [][]float64 {
	r, c := X.Dims()
	rows := make([][]float64, r)
	backing := make([]float64, r*c)
	for i := 0; i < r; i++ {
		rows[i] = backing[i*c : (i+1)*c : (i+1)*c]
		mat.Row(rows[i], i, X)
	}
	return rows
}

// ValidateRows checks a training set: X and y non-empty and of equal
// length, every row of the same width as the first, and every value finite.
// It returns the feature width.
func ValidateRows(op string, X [][]float64, y []float64) (int, error) {
	if len(X) == 0 || len(y) == 0 {
		return 0, errors.Wrap(errors.ErrEmptyData, op)
	}
	if len(X) != len(y) {
		return 0, errors.NewDimensionError(op, len(X), len(y), 0)
	}
	width := len(X[0])
	if width == 0 {
		return 0, errors.Wrap(errors.ErrEmptyData, op+": rows have no features")
	}
	for i, row := range X {
		if len(row) != width {
			return 0, errors.NewInputShapeError("training", i, []int{len(X), width}, []int{len(X), len(row)})
		}
		if err := errors.CheckNumericalStability(op, row); err != nil {
			return 0, errors.Wrapf(err, "row %d", i)
		}
	}
	if err := errors.CheckNumericalStability(op, y); err != nil {
		return 0, err
	}
	return width, nil
}
