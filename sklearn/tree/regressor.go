// Package tree implements a CART regression tree grown by greedy
// variance-reduction splits.
package tree

import (
	"bytes"
	"encoding/gob"

	"gonum.org/v1/gonum/mat"

	"github.com/bms-analytics/bmsforest/core/model"
	"github.com/bms-analytics/bmsforest/core/parallel"
	"github.com/bms-analytics/bmsforest/metrics"
	"github.com/bms-analytics/bmsforest/pkg/errors"
)

const modelName = "DecisionTreeRegressor"

// DefaultMaxDepth is the depth limit used when WithMaxDepth is not given.
const DefaultMaxDepth = 10

// Predict spreads rows over CPUs above this many rows.
const predictParallelThreshold = 1024

// DecisionTreeRegressor は回帰決定木
//
// Nodes are held in an arena (see Node). After Fit the tree is read-only,
// so Predict may be called from many goroutines.
type DecisionTreeRegressor struct {
	state *model.StateManager

	// Hyperparameters
	maxDepth int

	// Learned parameters
	nodes []Node
}

// Option は設定オプション
type Option func(*DecisionTreeRegressor)

// WithMaxDepth limits the number of edges between the root and any leaf.
// 0 grows a single leaf.
func WithMaxDepth(depth int) Option {
	return func(t *DecisionTreeRegressor) {
		t.maxDepth = depth
	}
}

// NewDecisionTreeRegressor は新しいDecisionTreeRegressorを作成
func NewDecisionTreeRegressor(options ...Option) *DecisionTreeRegressor {
	t := &DecisionTreeRegressor{
		state:    model.NewStateManager(),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// FromNodes builds a fitted tree from an existing node arena.
func FromNodes(nodes []Node, nFeatures int) (*DecisionTreeRegressor, error) {
	if err := validateNodes(nodes, nFeatures); err != nil {
		return nil, err
	}
	t := NewDecisionTreeRegressor()
	t.nodes = append([]Node(nil), nodes...)
	t.maxDepth = t.Depth()
	t.state.SetFitted(nFeatures, nodes[0].Samples)
	return t, nil
}

// Fit はモデルを訓練データで学習
func (t *DecisionTreeRegressor) Fit(X, y mat.Matrix) error {
	t.reset()
	rows, cols := X.Dims()
	yRows, yCols := y.Dims()

	if rows == 0 || cols == 0 {
		return errors.Wrap(errors.ErrEmptyData, modelName+".Fit")
	}
	if yCols != 1 {
		return errors.NewDimensionError(modelName+".Fit", 1, yCols, 1)
	}
	if rows != yRows {
		return errors.NewDimensionError(modelName+".Fit", rows, yRows, 0)
	}

	return t.FitRows(MatrixRows(X), mat.Col(nil, 0, y))
}

// FitRows trains on every row of X.
func (t *DecisionTreeRegressor) FitRows(X [][]float64, y []float64) error {
	inx := make([]int, len(y))
	for i := range inx {
		inx[i] = i
	}
	return t.FitIndices(X, y, inx)
}

// FitIndices trains on the rows of X referenced by inx. Indices may repeat;
// a bootstrap sample is passed this way without copying rows.
//
// Any previous fit is discarded first, so a failed Fit leaves the tree
// unfitted.
func (t *DecisionTreeRegressor) FitIndices(X [][]float64, y []float64, inx []int) error {
	const op = modelName + ".Fit"

	t.reset()

	if t.maxDepth < 0 {
		return errors.NewValidationError("max_depth", "must be >= 0", t.maxDepth)
	}
	nFeatures, err := ValidateRows(op, X, y)
	if err != nil {
		return err
	}
	if len(inx) == 0 {
		return errors.Wrap(errors.ErrEmptyData, op+": no sample indices")
	}
	for _, i := range inx {
		if i < 0 || i >= len(y) {
			return errors.NewValueError(op, "sample index out of range")
		}
	}

	b := newBuilder(X, y, t.maxDepth, len(inx))
	b.grow(inx, 0)

	t.nodes = b.nodes
	t.state.SetFitted(nFeatures, len(inx))
	return nil
}

func (t *DecisionTreeRegressor) reset() {
	t.nodes = nil
	t.state.Reset()
}

// Predict は入力データに対する予測を行う
func (t *DecisionTreeRegressor) Predict(X mat.Matrix) (mat.Matrix, error) {
	rows, cols := X.Dims()
	if err := t.state.RequireFeatures(modelName, "Predict", cols); err != nil {
		return nil, err
	}
	if err := errors.CheckMatrix(modelName+".Predict", X, rows, cols); err != nil {
		return nil, err
	}

	out := make([]float64, rows)
	parallel.ParallelizeWithThreshold(rows, predictParallelThreshold, func(start, end int) {
		row := make([]float64, cols)
		for i := start; i < end; i++ {
			mat.Row(row, i, X)
			out[i] = t.nodes[t.leaf(row)].Value
		}
	})
	return mat.NewDense(rows, 1, out), nil
}

// PredictRow returns the value of the leaf x falls into.
func (t *DecisionTreeRegressor) PredictRow(x []float64) (float64, error) {
	id, err := t.Apply(x)
	if err != nil {
		return 0, err
	}
	return t.nodes[id].Value, nil
}

// Apply returns the arena index of the leaf x falls into.
func (t *DecisionTreeRegressor) Apply(x []float64) (int, error) {
	if err := t.state.RequireFeatures(modelName, "Predict", len(x)); err != nil {
		return 0, err
	}
	return t.leaf(x), nil
}

// Value predicts x without checking state or width.
func (t *DecisionTreeRegressor) Value(x []float64) float64 {
	return t.nodes[t.leaf(x)].Value
}

func (t *DecisionTreeRegressor) leaf(x []float64) int {
	id := 0
	for !t.nodes[id].Leaf {
		n := &t.nodes[id]
		if x[n.Feature] <= n.Threshold {
			id = n.Left
		} else {
			id = n.Right
		}
	}
	return id
}

// Score returns R² of the prediction on X against y.
func (t *DecisionTreeRegressor) Score(X, y mat.Matrix) (float64, error) {
	pred, err := t.Predict(X)
	if err != nil {
		return 0, err
	}
	return metrics.R2ScoreMatrix(y, pred)
}

// IsFitted reports whether Fit has completed.
func (t *DecisionTreeRegressor) IsFitted() bool {
	return t.state.IsFitted()
}

// NFeatures returns the width seen during Fit.
func (t *DecisionTreeRegressor) NFeatures() int {
	nFeatures, _ := t.state.GetDimensions()
	return nFeatures
}

// Nodes returns a copy of the node arena.
func (t *DecisionTreeRegressor) Nodes() []Node {
	return append([]Node(nil), t.nodes...)
}

// NodeCount returns the number of nodes.
func (t *DecisionTreeRegressor) NodeCount() int {
	return len(t.nodes)
}

// NLeaves returns the number of leaves.
func (t *DecisionTreeRegressor) NLeaves() int {
	n := 0
	for i := range t.nodes {
		if t.nodes[i].Leaf {
			n++
		}
	}
	return n
}

// Depth returns the depth of the deepest leaf.
func (t *DecisionTreeRegressor) Depth() int {
	d := 0
	for i := range t.nodes {
		if t.nodes[i].Leaf && t.nodes[i].Depth > d {
			d = t.nodes[i].Depth
		}
	}
	return d
}

// GetParams はハイパーパラメータを取得
func (t *DecisionTreeRegressor) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"max_depth": t.maxDepth,
	}
}

// SetParams はハイパーパラメータを設定
func (t *DecisionTreeRegressor) SetParams(params map[string]interface{}) error {
	for key, value := range params {
		switch key {
		case "max_depth":
			v, ok := value.(int)
			if !ok || v < 0 {
				return errors.NewValidationError("max_depth", "must be a non-negative int", value)
			}
			t.maxDepth = v
		default:
			return errors.NewValidationError(key, "unknown parameter", value)
		}
	}
	return nil
}

// treeSnapshot is the gob form of a DecisionTreeRegressor.
type treeSnapshot struct {
	MaxDepth  int
	NFeatures int
	Nodes     []Node
	State     model.ModelState
}

// GobEncode implements gob.GobEncoder.
func (t *DecisionTreeRegressor) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(treeSnapshot{
		MaxDepth:  t.maxDepth,
		NFeatures: t.NFeatures(),
		Nodes:     t.nodes,
		State:     t.state.GetState(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode tree")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (t *DecisionTreeRegressor) GobDecode(data []byte) error {
	var s treeSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return errors.Wrap(err, "decode tree")
	}
	if s.State.Fitted {
		if s.State.NFeatures != s.NFeatures {
			return errors.Wrap(errors.ErrCorruptModel, "tree feature count does not match its state")
		}
		if err := validateNodes(s.Nodes, s.NFeatures); err != nil {
			return errors.Wrap(errors.ErrCorruptModel, err.Error())
		}
	}
	if t.state == nil {
		t.state = model.NewStateManager()
	}
	t.maxDepth = s.MaxDepth
	t.nodes = s.Nodes
	t.state.SetState(s.State)
	return nil
}
