// Package model defines the estimator interfaces, fitted-state tracking and
// model persistence shared by the tree and ensemble packages.
package model

import "gonum.org/v1/gonum/mat"

// Fitter は学習可能なモデルのインターフェース
type Fitter interface {
	// Fit trains the model on X (samples × features) and y (samples × 1).
	Fit(X, y mat.Matrix) error
}

// Predictor は予測可能なモデルのインターフェース
type Predictor interface {
	// Predict returns a samples × 1 matrix of predictions.
	Predict(X mat.Matrix) (mat.Matrix, error)
}

// RowPredictor predicts a single feature vector.
type RowPredictor interface {
	PredictRow(x []float64) (float64, error)
}

// Scorer returns the coefficient of determination R² of the prediction.
type Scorer interface {
	Score(X, y mat.Matrix) (float64, error)
}

// Regressor is the full surface of a fitted regression estimator.
type Regressor interface {
	Fitter
	Predictor
	RowPredictor
	Scorer
}

// ParamsGetter exposes hyperparameters as an sklearn-style map.
type ParamsGetter interface {
	GetParams() map[string]interface{}
}
