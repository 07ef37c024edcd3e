package processing

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/okieraised/go-ssd-pipeline/config"
	"github.com/okieraised/go-ssd-pipeline/utils"
)

// LayerAnchors holds the reference boxes of a single feature layer. Centers
// are stored as [H, W, 1] grids and the box extents as flat [K] vectors so
// that center grids broadcast against every anchor shape of the cell. All
// coordinates are relative to the image size.
type LayerAnchors struct {
	CenterY *tensor.Dense
	CenterX *tensor.Dense
	H       *tensor.Dense
	W       *tensor.Dense
}

// NumAnchors returns the number of reference boxes per cell.
func (a *LayerAnchors) NumAnchors() int {
	return a.H.Shape()[0]
}

// AnchorsPerCell returns the number of reference boxes attached to each cell
// of a layer configured with the given sizes and ratios.
func AnchorsPerCell(sizes, ratios []float32) int {
	return len(sizes) + len(ratios)
}

// GenerateLayerAnchors computes the reference boxes of one feature layer.
// A nil offset defaults to 0.5, placing centers in the middle of each cell.
//
// The anchor shapes of a cell are laid out in a fixed order: the small
// square box from sizes[0] first, the intermediate square box derived from
// sqrt(sizes[0]*sizes[1]) second when a larger size is given, then one box
// per aspect ratio in configuration order.
func GenerateLayerAnchors(imgShape, featShape [2]int, sizes, ratios []float32, step int, offset *float32) (*LayerAnchors, error) {
	if offset == nil {
		offset = utils.RefPointer(float32(0.5))
	}
	if len(sizes) == 0 {
		return nil, errors.New("at least one anchor size is required")
	}
	if featShape[0] <= 0 || featShape[1] <= 0 {
		return nil, errors.Errorf("invalid feature shape %v", featShape)
	}
	if imgShape[0] <= 0 || imgShape[1] <= 0 {
		return nil, errors.Errorf("invalid image shape %v", imgShape)
	}
	height, width := featShape[0], featShape[1]

	centerY := make([]float32, height*width)
	centerX := make([]float32, height*width)
	for i := range height {
		y := (float32(i) + *offset) * float32(step) / float32(imgShape[0])
		for j := range width {
			centerY[i*width+j] = y
			centerX[i*width+j] = (float32(j) + *offset) * float32(step) / float32(imgShape[1])
		}
	}

	numAnchors := AnchorsPerCell(sizes, ratios)
	h := make([]float32, numAnchors)
	w := make([]float32, numAnchors)
	h[0] = sizes[0] / float32(imgShape[0])
	w[0] = sizes[0] / float32(imgShape[1])
	di := 1
	if len(sizes) > 1 {
		h[1] = math32.Sqrt(sizes[0]*sizes[1]) / float32(imgShape[0])
		w[1] = math32.Sqrt(sizes[0]*sizes[1]) / float32(imgShape[1])
		di++
	}
	for i, r := range ratios {
		if r <= 0 {
			return nil, errors.Errorf("invalid anchor ratio %v", r)
		}
		h[i+di] = sizes[0] / float32(imgShape[0]) / math32.Sqrt(r)
		w[i+di] = sizes[0] / float32(imgShape[1]) * math32.Sqrt(r)
	}

	anchors := &LayerAnchors{
		CenterY: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(height, width, 1), tensor.WithBacking(centerY)),
		CenterX: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(height, width, 1), tensor.WithBacking(centerX)),
		H:       tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(numAnchors), tensor.WithBacking(h)),
		W:       tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(numAnchors), tensor.WithBacking(w)),
	}
	return anchors, nil
}

// GenerateAllLayerAnchors computes the reference boxes of every feature
// layer in cfg for an image of the given shape.
func GenerateAllLayerAnchors(imgShape [2]int, cfg *config.SSDParams) ([]*LayerAnchors, error) {
	if cfg == nil {
		return nil, errors.New("nil SSD configuration")
	}
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	anchors := make([]*LayerAnchors, 0, len(cfg.FeatLayers))
	for i := range cfg.FeatLayers {
		layerAnchors, err := GenerateLayerAnchors(
			imgShape,
			cfg.FeatShapes[i],
			cfg.AnchorSizes[i],
			cfg.AnchorRatios[i],
			cfg.AnchorSteps[i],
			utils.RefPointer(cfg.AnchorOffset),
		)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s", cfg.FeatLayers[i])
		}
		anchors = append(anchors, layerAnchors)
	}
	return anchors, nil
}

// SizeBoundsToAbsolute expands relative size bounds into absolute
// (min, max) anchor sizes for every feature layer. Bounds are fractions of
// the image size, the schedule interpolates between them in integer
// percentage steps with a dedicated half-size pair for the first layer.
// Only square images are supported.
func SizeBoundsToAbsolute(bounds [2]float32, numLayers int, imgShape [2]int) ([][2]float32, error) {
	if imgShape[0] != imgShape[1] {
		return nil, errors.Errorf("anchor size schedule requires a square image, got %dx%d", imgShape[0], imgShape[1])
	}
	if imgShape[0] <= 0 {
		return nil, errors.Errorf("invalid image shape %v", imgShape)
	}
	if numLayers < 3 {
		return nil, errors.Errorf("at least 3 feature layers are required, got %d", numLayers)
	}
	if bounds[0] <= 0 || bounds[1] <= bounds[0] {
		return nil, errors.Errorf("invalid size bounds %v", bounds)
	}

	imgSize := float32(imgShape[0])
	minRatio := int(math.Round(float64(bounds[0]) * 100))
	maxRatio := int(math.Round(float64(bounds[1]) * 100))
	step := int(math.Floor(float64(maxRatio-minRatio) / float64(numLayers-2)))
	if step <= 0 {
		return nil, errors.Errorf("size bounds %v are too narrow for %d layers", bounds, numLayers)
	}

	sizes := make([][2]float32, 0, numLayers)
	sizes = append(sizes, [2]float32{imgSize * bounds[0] / 2, imgSize * bounds[0]})
	for ratio := minRatio; ratio <= maxRatio; ratio += step {
		sizes = append(sizes, [2]float32{
			imgSize * float32(ratio) / 100,
			imgSize * float32(ratio+step) / 100,
		})
	}
	return sizes, nil
}
