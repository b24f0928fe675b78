package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"time"

	"github.com/bms-analytics/bmsforest/battery"
	"github.com/bms-analytics/bmsforest/internal/config"
	"github.com/bms-analytics/bmsforest/internal/server"
	"github.com/bms-analytics/bmsforest/internal/store"
	"github.com/bms-analytics/bmsforest/pkg/errors"
	"github.com/bms-analytics/bmsforest/pkg/log"
)

func runPredict(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (YAML)")
	modelPath := fs.String("model", "", "model path, overrides model.path")
	heuristic := fs.Bool("heuristic", false, "use the closed-form heuristic instead of the model")
	var in battery.Input
	fs.Float64Var(&in.Current, "current", 2.0, "current (A)")
	fs.Float64Var(&in.Voltage, "voltage", 3.7, "voltage (V)")
	fs.Float64Var(&in.Temperature, "temperature", 25, "temperature (°C)")
	fs.Float64Var(&in.CycleCount, "cycles", 0, "charge cycle count")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	logger, closeLog := setupLogging(cfg.Log, "predict")
	defer closeLog()

	var (
		p      battery.Predictor
		source string
	)
	if *heuristic {
		p, source = battery.NewHeuristicPredictor(nil), server.SourceHeuristic
	} else {
		fp, err := battery.LoadForestPredictor(cfg.Model.Path)
		if err != nil {
			return errors.Wrapf(err, "load model %s (train first or pass -heuristic)", cfg.Model.Path)
		}
		p, source = fp, server.SourceForest
	}

	pred, err := p.Predict(in)
	if err != nil {
		return err
	}
	logger.Debug("Prediction", "input", in.String(), "source", source, log.OperationKey, log.OperationPredict)

	if cfg.Database.Path != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := store.Open(ctx, cfg.Database.Path)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.RecordPrediction(ctx, in, pred, source); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(server.PredictResponse{Prediction: pred, Source: source})
}
