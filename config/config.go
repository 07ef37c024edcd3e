package config

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/xtgo/set"
)

// SSDParams describes the fixed geometry of an SSD detector: the input
// resolution, the feature layers predictions are attached to and the anchor
// layout of every layer. Values are read-only after construction, derive a
// modified copy with WithFeatShapes instead of mutating in place.
type SSDParams struct {
	ImgShape          [2]int      `json:"img_shape"`
	NumClasses        int         `json:"num_classes"`
	NoAnnotationLabel int         `json:"no_annotation_label"`
	FeatLayers        []string    `json:"feat_layers"`
	FeatShapes        [][2]int    `json:"feat_shapes"`
	AnchorSizeBounds  [2]float32  `json:"anchor_size_bounds"`
	AnchorSizes       [][]float32 `json:"anchor_sizes"`
	AnchorRatios      [][]float32 `json:"anchor_ratios"`
	AnchorSteps       []int       `json:"anchor_steps"`
	AnchorOffset      float32     `json:"anchor_offset"`
	Normalizations    []int       `json:"normalizations"`
	PriorScaling      [4]float32  `json:"prior_scaling"`
}

// DefaultSSDParams is the original SSD-300 VGG configuration trained on
// Pascal VOC with 20 object classes plus background.
var DefaultSSDParams = &SSDParams{
	ImgShape:          [2]int{300, 300},
	NumClasses:        21,
	NoAnnotationLabel: 21,
	FeatLayers:        []string{"block4", "block7", "block8", "block9", "block10", "block11"},
	FeatShapes:        [][2]int{{38, 38}, {19, 19}, {10, 10}, {5, 5}, {3, 3}, {1, 1}},
	AnchorSizeBounds:  [2]float32{0.15, 0.90},
	AnchorSizes: [][]float32{
		{21, 45},
		{45, 99},
		{99, 153},
		{153, 207},
		{207, 261},
		{261, 315},
	},
	AnchorRatios: [][]float32{
		{2, 0.5},
		{2, 0.5, 3, 1.0 / 3.0},
		{2, 0.5, 3, 1.0 / 3.0},
		{2, 0.5, 3, 1.0 / 3.0},
		{2, 0.5},
		{2, 0.5},
	},
	AnchorSteps:    []int{8, 16, 32, 64, 100, 300},
	AnchorOffset:   0.5,
	Normalizations: []int{20, -1, -1, -1, -1, -1},
	PriorScaling:   [4]float32{0.1, 0.1, 0.2, 0.2},
}

func NewSSDParams(
	imgShape [2]int,
	numClasses, noAnnotationLabel int,
	featLayers []string,
	featShapes [][2]int,
	anchorSizeBounds [2]float32,
	anchorSizes, anchorRatios [][]float32,
	anchorSteps []int,
	anchorOffset float32,
	normalizations []int,
	priorScaling [4]float32,
) *SSDParams {
	return &SSDParams{
		ImgShape:          imgShape,
		NumClasses:        numClasses,
		NoAnnotationLabel: noAnnotationLabel,
		FeatLayers:        featLayers,
		FeatShapes:        featShapes,
		AnchorSizeBounds:  anchorSizeBounds,
		AnchorSizes:       anchorSizes,
		AnchorRatios:      anchorRatios,
		AnchorSteps:       anchorSteps,
		AnchorOffset:      anchorOffset,
		Normalizations:    normalizations,
		PriorScaling:      priorScaling,
	}
}

// Validate checks the internal consistency of the configuration, in
// particular that every per-layer list has one entry per feature layer.
func (p *SSDParams) Validate() error {
	if p.ImgShape[0] <= 0 || p.ImgShape[1] <= 0 {
		return errors.Errorf("invalid image shape %v", p.ImgShape)
	}
	if p.NumClasses <= 0 {
		return errors.Errorf("invalid number of classes %d", p.NumClasses)
	}
	numLayers := len(p.FeatLayers)
	if numLayers == 0 {
		return errors.New("at least one feature layer is required")
	}
	if len(p.FeatShapes) != numLayers {
		return errors.Errorf("expected %d feature shapes, got %d", numLayers, len(p.FeatShapes))
	}
	if len(p.AnchorSizes) != numLayers {
		return errors.Errorf("expected %d anchor size entries, got %d", numLayers, len(p.AnchorSizes))
	}
	if len(p.AnchorRatios) != numLayers {
		return errors.Errorf("expected %d anchor ratio entries, got %d", numLayers, len(p.AnchorRatios))
	}
	if len(p.AnchorSteps) != numLayers {
		return errors.Errorf("expected %d anchor steps, got %d", numLayers, len(p.AnchorSteps))
	}
	if len(p.Normalizations) != numLayers {
		return errors.Errorf("expected %d normalization entries, got %d", numLayers, len(p.Normalizations))
	}

	names := append([]string(nil), p.FeatLayers...)
	sort.Strings(names)
	if n := set.Uniq(sort.StringSlice(names)); n != numLayers {
		return errors.Errorf("duplicate feature layer names in %v", p.FeatLayers)
	}

	for i := range p.FeatLayers {
		if p.FeatShapes[i][0] <= 0 || p.FeatShapes[i][1] <= 0 {
			return errors.Errorf("layer %s: invalid feature shape %v", p.FeatLayers[i], p.FeatShapes[i])
		}
		if len(p.AnchorSizes[i]) == 0 {
			return errors.Errorf("layer %s: at least one anchor size is required", p.FeatLayers[i])
		}
		if p.AnchorSteps[i] <= 0 {
			return errors.Errorf("layer %s: invalid anchor step %d", p.FeatLayers[i], p.AnchorSteps[i])
		}
		for _, r := range p.AnchorRatios[i] {
			if r <= 0 {
				return errors.Errorf("layer %s: invalid anchor ratio %v", p.FeatLayers[i], r)
			}
		}
	}

	return nil
}

// WithFeatShapes returns a deep copy of p with the per-layer feature shapes
// replaced. The receiver is left untouched.
func (p *SSDParams) WithFeatShapes(featShapes [][2]int) *SSDParams {
	out := *p
	out.FeatShapes = append([][2]int(nil), featShapes...)
	out.FeatLayers = append([]string(nil), p.FeatLayers...)
	out.AnchorSizes = make([][]float32, 0, len(p.AnchorSizes))
	for _, sizes := range p.AnchorSizes {
		out.AnchorSizes = append(out.AnchorSizes, append([]float32(nil), sizes...))
	}
	out.AnchorRatios = make([][]float32, 0, len(p.AnchorRatios))
	for _, ratios := range p.AnchorRatios {
		out.AnchorRatios = append(out.AnchorRatios, append([]float32(nil), ratios...))
	}
	out.AnchorSteps = append([]int(nil), p.AnchorSteps...)
	out.Normalizations = append([]int(nil), p.Normalizations...)
	return &out
}

// SSDLossParams controls target matching and hard negative mining in the
// training loss.
type SSDLossParams struct {
	MatchThreshold float32 `json:"match_threshold"`
	NegativeRatio  float32 `json:"negative_ratio"`
	Alpha          float32 `json:"alpha"`
}

var DefaultSSDLossParams = &SSDLossParams{
	MatchThreshold: 0.5,
	NegativeRatio:  3.0,
	Alpha:          1.0,
}

func NewSSDLossParams(matchThreshold, negativeRatio, alpha float32) *SSDLossParams {
	return &SSDLossParams{
		MatchThreshold: matchThreshold,
		NegativeRatio:  negativeRatio,
		Alpha:          alpha,
	}
}

// DetectionParams controls the detection post-processing chain.
type DetectionParams struct {
	SelectThreshold float32 `json:"select_threshold"`
	NMSThreshold    float32 `json:"nms_threshold"`
	TopK            int     `json:"top_k"`
	KeepTopK        int     `json:"keep_top_k"`
}

var DefaultDetectionParams = &DetectionParams{
	SelectThreshold: 0.01,
	NMSThreshold:    0.5,
	TopK:            400,
	KeepTopK:        200,
}

func NewDetectionParams(selectThreshold, nmsThreshold float32, topK, keepTopK int) *DetectionParams {
	return &DetectionParams{
		SelectThreshold: selectThreshold,
		NMSThreshold:    nmsThreshold,
		TopK:            topK,
		KeepTopK:        keepTopK,
	}
}

// SSDFeatureExtractionParams configures the backbone model serving the
// feature maps.
type SSDFeatureExtractionParams struct {
	ModelName string        `json:"model_name"`
	Timeout   time.Duration `json:"timeout"`
	ImageSize [2]int        `json:"image_size"`
	MeanPixel [3]float32    `json:"mean_pixel"`
}

var DefaultSSDFeatureExtractionParams = &SSDFeatureExtractionParams{
	ModelName: "ssd_300_vgg",
	Timeout:   20 * time.Second,
	ImageSize: [2]int{300, 300},
	MeanPixel: [3]float32{123, 117, 104},
}

func NewSSDFeatureExtractionParams(modelName string, timeout time.Duration, imgSize [2]int, meanPixel [3]float32) *SSDFeatureExtractionParams {
	return &SSDFeatureExtractionParams{
		ModelName: modelName,
		Timeout:   timeout,
		ImageSize: imgSize,
		MeanPixel: meanPixel,
	}
}
