package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/bms-analytics/bmsforest/battery"
	"github.com/bms-analytics/bmsforest/internal/config"
	"github.com/bms-analytics/bmsforest/internal/store"
	"github.com/bms-analytics/bmsforest/pkg/errors"
	"github.com/bms-analytics/bmsforest/pkg/log"
	"github.com/bms-analytics/bmsforest/sklearn/ensemble"
	"github.com/bms-analytics/bmsforest/sklearn/model_selection"
)

func runTrain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (YAML)")
	csvPath := fs.String("csv", "", "training CSV, overrides data.train_csv")
	modelPath := fs.String("out", "", "model output path, overrides model.path")
	samples := fs.Int("samples", 0, "synthetic sample count, overrides data.synthetic_samples")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *csvPath != "" {
		cfg.Data.TrainCSV = *csvPath
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if *samples > 0 {
		cfg.Data.SyntheticSamples = *samples
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog := setupLogging(cfg.Log, "train")
	defer closeLog()

	data, source, err := loadDataset(cfg)
	if err != nil {
		return err
	}
	logger.Info("Dataset ready",
		log.SourceKey, source,
		log.SamplesKey, data.Len(),
		log.FeaturesKey, len(battery.FeatureNames),
	)

	opts := forestOptions(cfg.Forest, logger)
	run := store.TrainingRun{
		ModelPath:   cfg.Model.Path,
		Source:      source,
		Samples:     data.Len(),
		NEstimators: cfg.Forest.NEstimators,
		MaxDepth:    cfg.Forest.MaxDepth,
	}

	if cfg.Data.CVFolds >= 2 {
		scores, err := crossValidate(data, cfg, opts, logger)
		if err != nil {
			return err
		}
		run.CVR2SOH, run.CVR2SOC = &scores[0], &scores[1]
	}

	start := time.Now()
	predictor, err := battery.TrainForestPredictor(data, opts...)
	if err != nil {
		return err
	}
	run.Duration = time.Since(start)

	md := predictor.Metadata()
	if err := md.Validate(); err != nil {
		return errors.Wrap(err, "model metadata")
	}
	if v, ok := md.Metrics["oob_r2_soh"]; ok {
		run.OOBR2SOH = &v
	}
	if v, ok := md.Metrics["oob_r2_soc"]; ok {
		run.OOBR2SOC = &v
	}
	logger.Info("Training completed",
		log.DurationMsKey, run.Duration.Milliseconds(),
		log.NEstimatorsKey, cfg.Forest.NEstimators,
		"oob_r2_soh", md.Metrics["oob_r2_soh"],
		"oob_r2_soc", md.Metrics["oob_r2_soc"],
	)

	if dir := filepath.Dir(cfg.Model.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create model dir %s", dir)
		}
	}
	if err := predictor.Save(cfg.Model.Path); err != nil {
		return err
	}
	logger.Info("Model saved", log.ModelPathKey, cfg.Model.Path, log.OperationKey, log.OperationSave)

	if cfg.Database.Path != "" {
		if err := recordRun(cfg.Database.Path, run); err != nil {
			return err
		}
	}

	out, err := md.ToJSON()
	if err != nil {
		return errors.Wrap(err, "encode metadata")
	}
	_, err = fmt.Fprintf(stdout, "%s\n", out)
	return err
}

// loadDataset reads the configured CSV or generates a synthetic dataset.
func loadDataset(cfg *config.Config) (*battery.Dataset, string, error) {
	if cfg.Data.TrainCSV != "" {
		f, err := os.Open(cfg.Data.TrainCSV)
		if err != nil {
			return nil, "", errors.Wrapf(err, "open %s", cfg.Data.TrainCSV)
		}
		defer f.Close()
		d, err := battery.ReadCSV(f)
		if err != nil {
			return nil, "", errors.Wrapf(err, "read %s", cfg.Data.TrainCSV)
		}
		return d, "csv:" + cfg.Data.TrainCSV, nil
	}

	var rng *rand.Rand
	if seed := cfg.Forest.RandomState; seed != nil {
		rng = rand.New(rand.NewPCG(*seed, *seed))
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	d, err := battery.GenerateDataset(cfg.Data.SyntheticSamples, rng)
	if err != nil {
		return nil, "", err
	}
	return d, "synthetic", nil
}

func forestOptions(fc config.ForestConfig, logger log.Logger) []ensemble.Option {
	opts := []ensemble.Option{
		ensemble.WithNEstimators(fc.NEstimators),
		ensemble.WithMaxDepth(fc.MaxDepth),
		ensemble.WithNJobs(fc.NJobs),
		ensemble.WithOOBScore(fc.OOBScore),
		ensemble.WithLogger(logger),
	}
	if fc.RandomState != nil {
		opts = append(opts, ensemble.WithRandomState(*fc.RandomState))
	}
	return opts
}

// crossValidate returns the mean k-fold R² for SOH and SOC.
func crossValidate(d *battery.Dataset, cfg *config.Config, opts []ensemble.Option, logger log.Logger) ([2]float64, error) {
	var scores [2]float64

	n := d.Len()
	flat := make([]float64, 0, n*len(battery.FeatureNames))
	for _, row := range d.Features() {
		flat = append(flat, row...)
	}
	X := mat.NewDense(n, len(battery.FeatureNames), flat)

	var seed uint64
	if cfg.Forest.RandomState != nil {
		seed = *cfg.Forest.RandomState
	}
	// 各foldのフォレストは内部で並列化するのでfold自体は逐次
	cvOpts := append(append([]ensemble.Option(nil), opts...), ensemble.WithOOBScore(false))
	newForest := func() model_selection.Estimator {
		return ensemble.NewRandomForestRegressor(cvOpts...)
	}

	for i, target := range []struct {
		name string
		y    []float64
	}{{"soh", d.SOH}, {"soc", d.SOC}} {
		y := mat.NewVecDense(n, append([]float64(nil), target.y...))
		res, err := model_selection.CrossValScore(newForest, X, y,
			model_selection.NewKFold(cfg.Data.CVFolds, true, seed), 1)
		if err != nil {
			return scores, errors.Wrapf(err, "cross-validate %s", target.name)
		}
		scores[i] = res.MeanScore()
		logger.Info("Cross-validation",
			log.TargetNameKey, target.name,
			log.PhaseKey, log.PhaseValidation,
			log.R2ScoreKey, res.MeanScore(),
			"r2_std", res.StdScore(),
			"folds", cfg.Data.CVFolds,
		)
	}
	return scores, nil
}

func recordRun(path string, run store.TrainingRun) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := store.Open(ctx, path)
	if err != nil {
		return err
	}
	defer s.Close()
	_, err = s.RecordTraining(ctx, run)
	return err
}
