// Package server exposes battery predictions over HTTP.
//
// The service answers with the forest model when one is loaded and with the
// closed-form heuristic otherwise. Predictions are cached per model
// generation and input; the cache is purged whenever the model changes.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bms-analytics/bmsforest/battery"
	"github.com/bms-analytics/bmsforest/pkg/errors"
	"github.com/bms-analytics/bmsforest/pkg/log"
)

// Source names of the model that produced a prediction.
const (
	SourceForest    = "forest"
	SourceHeuristic = "heuristic"
)

// Config configures a Server.
type Config struct {
	Port      int
	Timeout   time.Duration
	CacheSize int    // 0 disables the cache
	ModelPath string // empty: heuristic only
	Watch     bool   // reload ModelPath when it changes
}

// DefaultConfig returns the configuration used by tests and examples.
func DefaultConfig() Config {
	return Config{
		Port:      8080,
		Timeout:   30 * time.Second,
		CacheSize: 1024,
	}
}

// Recorder persists served predictions. *store.Store satisfies it.
type Recorder interface {
	RecordPrediction(ctx context.Context, in battery.Input, p battery.Prediction, predictor string) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRecorder records every served prediction.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithFallback replaces the heuristic used when no forest is loaded.
func WithFallback(p battery.Predictor) Option {
	return func(s *Server) { s.fallback = p }
}

// WithPredictor installs a forest predictor up front.
func WithPredictor(p *battery.ForestPredictor) Option {
	return func(s *Server) { s.forest = p }
}

// Server is the prediction service.
type Server struct {
	cfg      Config
	logger   log.Logger
	recorder Recorder
	fallback battery.Predictor

	mu         sync.RWMutex
	forest     *battery.ForestPredictor
	generation uint64 // bumped on every SetPredictor

	cache *lru.Cache[cacheKey, battery.Prediction]
	srv   *http.Server
}

// cacheKey ties a cached prediction to the model generation that produced
// it, so a request that finishes after a swap cannot serve a stale result.
type cacheKey struct {
	generation uint64
	input      battery.Input
}

// New creates a Server. It does not load the model; call LoadModel.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.Timeout <= 0 {
		return nil, errors.NewValidationError("http.timeout", "must be positive", cfg.Timeout)
	}
	if cfg.CacheSize < 0 {
		return nil, errors.NewValidationError("http.cache_size", "must be >= 0", cfg.CacheSize)
	}

	s := &Server{
		cfg:      cfg,
		logger:   log.GetLoggerWithName("server"),
		fallback: battery.NewHeuristicPredictor(nil),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.CacheSize > 0 {
		cache, err := lru.New[cacheKey, battery.Prediction](cfg.CacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "create prediction cache")
		}
		s.cache = cache
	}

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout + time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/predict", s.handlePredict)
	mux.HandleFunc("GET /api/model", s.handleModel)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	chain := Chain(
		RecoveryMiddleware(s.logger),
		LoggerMiddleware(s.logger),
		TimeoutMiddleware(s.cfg.Timeout),
	)
	return chain(mux)
}

// LoadModel reads the forest predictor from the configured path and swaps
// it in. On failure the current model stays in place.
func (s *Server) LoadModel() error {
	if s.cfg.ModelPath == "" {
		return errors.NewValidationError("model.path", "must not be empty", s.cfg.ModelPath)
	}
	p, err := battery.LoadForestPredictor(s.cfg.ModelPath)
	if err != nil {
		return errors.Wrapf(err, "load model %s", s.cfg.ModelPath)
	}
	s.SetPredictor(p)
	s.logger.Info("Model loaded",
		log.ModelPathKey, s.cfg.ModelPath,
		log.OperationKey, log.OperationLoad,
		log.NEstimatorsKey, len(p.SOHForest().Estimators()),
	)
	return nil
}

// SetPredictor swaps the forest predictor and purges the cache. nil reverts
// to the fallback.
func (s *Server) SetPredictor(p *battery.ForestPredictor) {
	s.mu.Lock()
	s.forest = p
	s.generation++
	s.mu.Unlock()
	if s.cache != nil {
		s.cache.Purge()
	}
}

// predictor returns the active predictor, its source name and the model
// generation it belongs to.
func (s *Server) predictor() (battery.Predictor, string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.forest != nil {
		return s.forest, SourceForest, s.generation
	}
	return s.fallback, SourceHeuristic, s.generation
}

func (s *Server) cachedPrediction(gen uint64, in battery.Input) (battery.Prediction, bool) {
	if s.cache == nil {
		return battery.Prediction{}, false
	}
	return s.cache.Get(cacheKey{generation: gen, input: in})
}

// storePrediction caches pred unless the model changed after gen was read.
func (s *Server) storePrediction(gen uint64, in battery.Input, pred battery.Prediction) bool {
	if s.cache == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if gen != s.generation {
		return false
	}
	s.cache.Add(cacheKey{generation: gen, input: in}, pred)
	return true
}

// Run serves on the configured port until ctx is done, then shuts down
// gracefully. With Watch set the model file is watched for changes.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.srv.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.cfg.Watch && s.cfg.ModelPath != "" {
		w, err := newModelWatcher(s.cfg.ModelPath, s.LoadModel, s.logger)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- errors.Wrap(err, "serve")
			return
		}
		errCh <- nil
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			serveErr = errors.Wrap(err, "server forced to shutdown")
		} else {
			serveErr = <-errCh
		}
	}
	cancel()
	wg.Wait()
	return serveErr
}
