package ensemble

import "github.com/bms-analytics/bmsforest/pkg/log"

// Option は設定オプション
type Option func(*RandomForestRegressor)

// WithNEstimators sets the number of trees.
func WithNEstimators(n int) Option {
	return func(f *RandomForestRegressor) {
		f.nEstimators = n
	}
}

// WithMaxDepth sets the depth limit of every tree.
func WithMaxDepth(depth int) Option {
	return func(f *RandomForestRegressor) {
		f.maxDepth = depth
	}
}

// WithNJobs は並列ジョブ数を設定 (0以下で全CPU)
func WithNJobs(n int) Option {
	return func(f *RandomForestRegressor) {
		f.nJobs = n
	}
}

// WithRandomState seeds a PCG generator afresh on every Fit, so refitting
// the same data gives the same forest.
func WithRandomState(seed uint64) Option {
	return func(f *RandomForestRegressor) {
		f.seed = seed
		f.hasSeed = true
		f.source = nil
	}
}

// WithRandomSource draws bootstrap indices from src. It takes precedence
// over WithRandomState and is consumed across successive Fit calls.
func WithRandomSource(src IntSource) Option {
	return func(f *RandomForestRegressor) {
		f.source = src
	}
}

// WithOOBScore enables out-of-bag evaluation after Fit.
func WithOOBScore(enabled bool) Option {
	return func(f *RandomForestRegressor) {
		f.oobScore = enabled
	}
}

// WithLogger sets the logger; by default the "ensemble" component logger
// is used.
func WithLogger(logger log.Logger) Option {
	return func(f *RandomForestRegressor) {
		f.logger = logger
	}
}
