package processing

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DimUnknown marks a dimension whose size could not be determined.
const DimUnknown = -1

// FeatShape is the [height, width, anchors] shape of one prediction layer.
type FeatShape [3]int

// FullyKnown reports whether every dimension of the shape is resolved.
func (s FeatShape) FullyKnown() bool {
	for _, d := range s {
		if d <= 0 {
			return false
		}
	}
	return true
}

// Spatial returns the height and width part of the shape.
func (s FeatShape) Spatial() [2]int {
	return [2]int{s[0], s[1]}
}

// UpdateFeatShapes resolves observed per-layer shapes against configured
// fallbacks. A layer keeps its observed shape when it is fully known and
// takes the fallback entry otherwise. Layers are resolved independently, an
// unknown dimension in one layer never affects another.
func UpdateFeatShapes(got, defaults []FeatShape) ([]FeatShape, error) {
	if len(got) != len(defaults) {
		return nil, errors.Errorf("feature shape count mismatch: got %d, defaults %d", len(got), len(defaults))
	}
	out := make([]FeatShape, len(got))
	for i, s := range got {
		if s.FullyKnown() {
			out[i] = s
		} else {
			out[i] = defaults[i]
		}
	}
	return out, nil
}

// FeatShapesFromPredictions reads the [H, W, K] part of each prediction
// tensor, expected as [batch, H, W, K, classes], and resolves it against the
// per-layer fallbacks. A nil prediction or one with an unexpected rank
// counts as fully unknown.
func FeatShapesFromPredictions(predictions []*tensor.Dense, defaults []FeatShape) ([]FeatShape, error) {
	if len(predictions) != len(defaults) {
		return nil, errors.Errorf("prediction count mismatch: got %d, defaults %d", len(predictions), len(defaults))
	}
	got := make([]FeatShape, len(predictions))
	for i, p := range predictions {
		if p == nil {
			got[i] = FeatShape{DimUnknown, DimUnknown, DimUnknown}
			continue
		}
		shape := p.Shape()
		if len(shape) != 5 {
			got[i] = FeatShape{DimUnknown, DimUnknown, DimUnknown}
			continue
		}
		got[i] = FeatShape{shape[1], shape[2], shape[3]}
	}
	return UpdateFeatShapes(got, defaults)
}
