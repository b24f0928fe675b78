// Package bmsforest estimates battery health from operating parameters with
// CART regression trees and a bootstrap random forest, written in Go for
// backend services and real-time inference.
//
// The estimators follow a scikit-learn-like API over gonum matrices, and
// every hyperparameter has a functional option.
//
// # Features
//
// - Regression trees: exhaustive variance-reduction splits, arena node layout
// - Random forest: bootstrap bagging, parallel tree induction, out-of-bag R²
// - Reproducible: a seeded forest is identical for any number of workers
// - Persistence: checksummed, zstd-compressed model files
// - Battery domain: SOH / SOC / RUL predictions, HTTP service and CLI
//
// # Quick Start
//
//	package main
//
//	import (
//	    "fmt"
//	    "log"
//
//	    "github.com/bms-analytics/bmsforest/sklearn/ensemble"
//	    "gonum.org/v1/gonum/mat"
//	)
//
//	func main() {
//	    X := mat.NewDense(6, 1, []float64{1, 2, 3, 10, 11, 12})
//	    y := mat.NewVecDense(6, []float64{1, 1, 1, 5, 5, 5})
//
//	    forest := ensemble.NewRandomForestRegressor(
//	        ensemble.WithNEstimators(20),
//	        ensemble.WithRandomState(42),
//	    )
//	    if err := forest.Fit(X, y); err != nil {
//	        log.Fatal(err)
//	    }
//
//	    pred, err := forest.PredictRow([]float64{11})
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println("Prediction:", pred)
//	}
//
// # Packages
//
//   - sklearn/tree: DecisionTreeRegressor
//   - sklearn/ensemble: RandomForestRegressor
//   - sklearn/model_selection: KFold, CrossValScore
//   - metrics: Evaluation metrics (MSE, RMSE, MAE, R²)
//   - battery: health metrics, synthetic data, ForestPredictor
//   - core/model: interfaces, fitted state, metadata, persistence
//   - core/parallel: parallel processing utilities
//   - pkg/errors, pkg/log: error types and structured logging
//   - internal/config, internal/store, internal/server: the bmsforest command
//
// # Command
//
//	bmsforest train   -config config.yaml
//	bmsforest predict -config config.yaml -voltage 3.9 -cycles 250
//	bmsforest serve   -config config.yaml -watch
package bmsforest
