// Standard attribute keys for bmsforest log records.
//
// Keys follow a dotted hierarchy ("model.name", "data.samples") so log
// pipelines can filter on a prefix.

package log

// Model and operation context.
const (
	// ModelNameKey identifies the estimator type, e.g. "RandomForestRegressor".
	ModelNameKey = "model.name"

	// OperationKey specifies the operation: "fit", "predict", "score", ...
	OperationKey = "ml.operation"

	// ComponentKey identifies the package or subsystem emitting the record.
	ComponentKey = "ml.component"

	// PhaseKey indicates the lifecycle phase: "training", "inference", ...
	PhaseKey = "ml.phase"

	// TargetNameKey names the regression target ("soh", "soc").
	TargetNameKey = "ml.target"
)

// Data shape.
const (
	SamplesKey  = "data.samples"
	FeaturesKey = "data.features"
	SourceKey   = "data.source"
)

// Forest and tree hyperparameters.
const (
	NEstimatorsKey = "forest.n_estimators"
	MaxDepthKey    = "tree.max_depth"
	NJobsKey       = "forest.n_jobs"
	RandomSeedKey  = "config.random_seed"
	TreeIndexKey   = "forest.tree_index"
	NodeCountKey   = "tree.node_count"
	LeafCountKey   = "tree.leaf_count"
)

// Performance and evaluation.
const (
	DurationMsKey = "perf.duration_ms"
	R2ScoreKey    = "metrics.r2_score"
	MSEKey        = "metrics.mse"
	OOBScoreKey   = "metrics.oob_score"
	FoldKey       = "cv.fold"
)

// Serving context.
const (
	ModelPathKey  = "model.path"
	CacheHitKey   = "cache.hit"
	HTTPMethodKey = "http.method"
	HTTPPathKey   = "http.path"
	HTTPStatusKey = "http.status"
	RequestIDKey  = "http.request_id"
)

// Error context.
const (
	ErrorCodeKey  = "error.code"
	SuggestionKey = "error.suggestion"
)

// Standard attribute values.
const (
	OperationFit     = "fit"
	OperationPredict = "predict"
	OperationScore   = "score"
	OperationLoad    = "load"
	OperationSave    = "save"

	PhaseTraining   = "training"
	PhaseValidation = "validation"
	PhaseInference  = "inference"

	ErrorNotFitted         = "NOT_FITTED"
	ErrorDimensionMismatch = "DIMENSION_MISMATCH"
	ErrorEmptyData         = "EMPTY_DATA"
	ErrorInvalidInput      = "INVALID_INPUT"
)
