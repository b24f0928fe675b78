package server

import (
	"encoding/json"
	"net/http"

	"github.com/bms-analytics/bmsforest/battery"
	"github.com/bms-analytics/bmsforest/core/model"
	"github.com/bms-analytics/bmsforest/pkg/log"
)

const maxBodyBytes = 1 << 16

// PredictResponse is the body of POST /api/predict.
type PredictResponse struct {
	battery.Prediction
	Source string `json:"source"`
	Cached bool   `json:"cached"`
}

// ModelResponse is the body of GET /api/model.
type ModelResponse struct {
	Loaded   bool            `json:"loaded"`
	Source   string          `json:"source"`
	Metadata *model.Metadata `json:"metadata"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var in battery.Input
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, source, gen := s.predictor()

	if cached, ok := s.cachedPrediction(gen, in); ok {
		s.logger.Debug("Prediction cache hit", log.CacheHitKey, true, log.RequestIDKey, RequestID(r.Context()))
		writeJSON(w, http.StatusOK, PredictResponse{Prediction: cached, Source: source, Cached: true})
		return
	}

	pred, err := p.Predict(in)
	if err != nil {
		s.logger.Error("Prediction failed", err, log.RequestIDKey, RequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "prediction failed")
		return
	}
	// ヒューリスティックはノイズ付きの場合があるのでキャッシュはフォレストのみ
	if source == SourceForest {
		s.storePrediction(gen, in, pred)
	}

	if s.recorder != nil {
		if err := s.recorder.RecordPrediction(r.Context(), in, pred, source); err != nil {
			s.logger.Warn("Failed to record prediction", "error", err.Error(), log.RequestIDKey, RequestID(r.Context()))
		}
	}

	writeJSON(w, http.StatusOK, PredictResponse{Prediction: pred, Source: source})
}

// heuristicMetadata describes the fallback predictor. Handlers serve clones.
var heuristicMetadata = &model.Metadata{
	ModelType: "HeuristicPredictor",
	Version:   model.MetadataVersion,
	Features:  battery.FeatureNames,
	Targets:   []string{"soh", "soc"},
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	forest := s.forest
	s.mu.RUnlock()

	if forest == nil {
		writeJSON(w, http.StatusOK, ModelResponse{Source: SourceHeuristic, Metadata: heuristicMetadata.Clone()})
		return
	}
	writeJSON(w, http.StatusOK, ModelResponse{Loaded: true, Source: SourceForest, Metadata: forest.Metadata()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	loaded := s.forest != nil
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "model_loaded": loaded})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
