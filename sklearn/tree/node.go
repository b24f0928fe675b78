package tree

import (
	"fmt"

	"github.com/bms-analytics/bmsforest/pkg/errors"
)

// NoChild marks the child slots of a leaf.
const NoChild = -1

// Node is one entry of a tree's node arena. The root is at index 0 and
// children always have a larger index than their parent, so the arena is a
// strict binary tree without cycles or shared children.
type Node struct {
	// Feature is the column compared at an internal node.
	Feature int
	// Threshold: rows with x[Feature] <= Threshold go left.
	Threshold float64
	Left      int
	Right     int

	// Value is the mean target of the rows routed to this node.
	Value    float64
	Leaf     bool
	Samples  int
	Impurity float64 // population variance of the routed targets
	Depth    int
}

func leafNode(value float64, samples, depth int, impurity float64) Node {
	return Node{
		Feature:  NoChild,
		Left:     NoChild,
		Right:    NoChild,
		Value:    value,
		Leaf:     true,
		Samples:  samples,
		Impurity: impurity,
		Depth:    depth,
	}
}

// validateNodes checks that nodes form a well-formed arena for nFeatures
// columns.
func validateNodes(nodes []Node, nFeatures int) error {
	if len(nodes) == 0 {
		return errors.NewValueError("tree.FromNodes", "empty node arena")
	}
	if nFeatures <= 0 {
		return errors.NewValidationError("n_features", "must be positive", nFeatures)
	}

	seen := make([]bool, len(nodes))
	for i, n := range nodes {
		if n.Leaf {
			continue
		}
		if n.Feature < 0 || n.Feature >= nFeatures {
			return errors.NewValueError("tree.FromNodes", fmt.Sprintf("node %d: feature %d out of range [0, %d)", i, n.Feature, nFeatures))
		}
		for _, c := range []int{n.Left, n.Right} {
			if c <= i || c >= len(nodes) {
				return errors.NewValueError("tree.FromNodes", fmt.Sprintf("node %d: child %d out of order", i, c))
			}
			if seen[c] {
				return errors.NewValueError("tree.FromNodes", fmt.Sprintf("node %d is shared", c))
			}
			seen[c] = true
		}
	}
	return nil
}
