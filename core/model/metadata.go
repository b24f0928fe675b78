package model

import (
	"encoding/json"

	"github.com/bms-analytics/bmsforest/pkg/errors"
)

// MetadataVersion is the current Metadata schema version.
const MetadataVersion = "1"

// Metadata describes a fitted model for display and for the header of
// persisted model files.
type Metadata struct {
	// ModelType is the estimator type, e.g. "RandomForestRegressor".
	ModelType string `json:"model_type"`

	// Version is the metadata schema version.
	Version string `json:"version"`

	// Features names the input columns in order (optional).
	Features []string `json:"features,omitempty"`

	// Targets names the regression outputs (optional).
	Targets []string `json:"targets,omitempty"`

	Hyperparameters map[string]interface{} `json:"hyperparameters"`

	// Metrics holds training-time evaluation, e.g. OOB R².
	Metrics map[string]float64 `json:"metrics,omitempty"`

	IsFitted bool `json:"is_fitted"`
}

// ToJSON はMetadataをJSON形式にシリアライズ
func (md *Metadata) ToJSON() ([]byte, error) {
	return json.MarshalIndent(md, "", "  ")
}

// Validate はMetadataの妥当性を検証
func (md *Metadata) Validate() error {
	if md.ModelType == "" {
		return errors.NewValidationError("model_type", "is required", md.ModelType)
	}
	if md.Version == "" {
		return errors.NewValidationError("version", "is required", md.Version)
	}
	if !md.IsFitted && len(md.Metrics) > 0 {
		return errors.NewValidationError("metrics", "unfitted model should not have metrics", md.Metrics)
	}
	return nil
}

// Clone はMetadataのディープコピーを作成
func (md *Metadata) Clone() *Metadata {
	clone := &Metadata{
		ModelType:       md.ModelType,
		Version:         md.Version,
		IsFitted:        md.IsFitted,
		Features:        append([]string(nil), md.Features...),
		Targets:         append([]string(nil), md.Targets...),
		Hyperparameters: make(map[string]interface{}, len(md.Hyperparameters)),
	}
	for k, v := range md.Hyperparameters {
		clone.Hyperparameters[k] = v
	}
	if md.Metrics != nil {
		clone.Metrics = make(map[string]float64, len(md.Metrics))
		for k, v := range md.Metrics {
			clone.Metrics[k] = v
		}
	}
	return clone
}
