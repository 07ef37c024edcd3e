package multibox

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/okieraised/go-ssd-pipeline/config"
	"github.com/okieraised/go-ssd-pipeline/processing"
)

// Conv2d produces the raw prediction volume of one multibox branch. The
// input is a [batch, H, W, C] feature map and the output must keep the
// spatial extent while emitting outChannels channels.
type Conv2d func(feat *tensor.Dense, outChannels int) (*tensor.Dense, error)

// LayerConvs bundles the localization and classification convolutions of a
// single feature layer.
type LayerConvs struct {
	Loc Conv2d
	Cls Conv2d
}

// Head attaches class and box predictions to one feature layer. The head
// owns the channel layout contract: the convolution output is reinterpreted
// as [batch, H, W, anchors, 4] and [batch, H, W, anchors, classes] by a pure
// reshape, no data is moved.
type Head struct {
	numClasses int
	numAnchors int
	locConv    Conv2d
	clsConv    Conv2d
	normScale  float32
	scale      *tensor.Dense
}

// NewHead creates a multibox head for a layer with the given number of
// anchors per cell. A positive normScale enables L2 normalization of the
// feature map across channels with a learned per-channel scale initialized
// to normScale.
func NewHead(numClasses, numAnchors int, locConv, clsConv Conv2d, normScale float32) (*Head, error) {
	if numClasses <= 0 {
		return nil, errors.Errorf("invalid number of classes %d", numClasses)
	}
	if numAnchors <= 0 {
		return nil, errors.Errorf("invalid number of anchors %d", numAnchors)
	}
	if locConv == nil || clsConv == nil {
		return nil, errors.New("both localization and classification convolutions are required")
	}
	return &Head{
		numClasses: numClasses,
		numAnchors: numAnchors,
		locConv:    locConv,
		clsConv:    clsConv,
		normScale:  normScale,
	}, nil
}

// NewHeads builds one multibox head per feature layer of params. The convs
// list supplies the prediction convolutions in layer order.
func NewHeads(params *config.SSDParams, convs []LayerConvs) ([]*Head, error) {
	if params == nil {
		return nil, errors.New("nil SSD configuration")
	}
	err := params.Validate()
	if err != nil {
		return nil, err
	}
	if len(convs) != len(params.FeatLayers) {
		return nil, errors.Errorf("expected %d conv pairs, got %d", len(params.FeatLayers), len(convs))
	}

	heads := make([]*Head, 0, len(params.FeatLayers))
	for i := range params.FeatLayers {
		numAnchors := processing.AnchorsPerCell(params.AnchorSizes[i], params.AnchorRatios[i])
		normScale := float32(0)
		if params.Normalizations[i] > 0 {
			normScale = float32(params.Normalizations[i])
		}
		head, err := NewHead(params.NumClasses, numAnchors, convs[i].Loc, convs[i].Cls, normScale)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s", params.FeatLayers[i])
		}
		heads = append(heads, head)
	}
	return heads, nil
}

// NumAnchors returns the number of reference boxes per cell.
func (h *Head) NumAnchors() int {
	return h.numAnchors
}

// Scale returns the learned normalization scale, or nil when the head does
// not normalize or has not seen a feature map yet.
func (h *Head) Scale() *tensor.Dense {
	return h.scale
}

// Predict runs both prediction branches on a [batch, H, W, C] feature map
// and returns class logits as [batch, H, W, anchors, classes] and box
// regressions as [batch, H, W, anchors, 4].
func (h *Head) Predict(feat *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	shape := feat.Shape()
	if len(shape) != 4 {
		return nil, nil, errors.Errorf("expected a [batch, H, W, C] feature map, got shape %v", shape)
	}

	net := feat
	if h.normScale > 0 {
		normalized, err := h.normalize(feat)
		if err != nil {
			return nil, nil, err
		}
		net = normalized
	}

	locPred, err := h.locConv(net, h.numAnchors*4)
	if err != nil {
		return nil, nil, errors.Wrap(err, "localization conv")
	}
	err = h.checkChannels(locPred, shape, h.numAnchors*4)
	if err != nil {
		return nil, nil, err
	}
	locPred = locPred.Clone().(*tensor.Dense)
	err = locPred.Reshape(shape[0], shape[1], shape[2], h.numAnchors, 4)
	if err != nil {
		return nil, nil, err
	}

	clsPred, err := h.clsConv(net, h.numAnchors*h.numClasses)
	if err != nil {
		return nil, nil, errors.Wrap(err, "classification conv")
	}
	err = h.checkChannels(clsPred, shape, h.numAnchors*h.numClasses)
	if err != nil {
		return nil, nil, err
	}
	clsPred = clsPred.Clone().(*tensor.Dense)
	err = clsPred.Reshape(shape[0], shape[1], shape[2], h.numAnchors, h.numClasses)
	if err != nil {
		return nil, nil, err
	}

	return clsPred, locPred, nil
}

// normalize rescales feature vectors to unit L2 norm along the channel
// dimension and multiplies by the learned per-channel scale. The scale is
// materialized on first use once the channel depth is known.
func (h *Head) normalize(feat *tensor.Dense) (*tensor.Dense, error) {
	shape := feat.Shape()
	channels := shape[len(shape)-1]
	if channels <= 0 {
		return nil, errors.Errorf("invalid channel depth in shape %v", shape)
	}

	if h.scale == nil {
		backing := make([]float32, channels)
		for i := range backing {
			backing[i] = h.normScale
		}
		h.scale = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(channels), tensor.WithBacking(backing))
	}
	if h.scale.Shape()[0] != channels {
		return nil, errors.Errorf("normalization scale has %d channels, feature map has %d", h.scale.Shape()[0], channels)
	}

	in := feat.Float32s()
	scale := h.scale.Float32s()
	out := make([]float32, len(in))
	for row := 0; row+channels <= len(in); row += channels {
		var sum float32
		for c := 0; c < channels; c++ {
			v := in[row+c]
			sum += v * v
		}
		norm := math32.Sqrt(sum + 1e-12)
		for c := 0; c < channels; c++ {
			out[row+c] = in[row+c] / norm * scale[c]
		}
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(shape.Clone()...),
		tensor.WithBacking(out),
	), nil
}

func (h *Head) checkChannels(pred *tensor.Dense, featShape tensor.Shape, want int) error {
	got := pred.Shape()
	if len(got) != 4 || got[0] != featShape[0] || got[1] != featShape[1] || got[2] != featShape[2] {
		return errors.Errorf("prediction conv changed the spatial extent: feature map %v, prediction %v", featShape, got)
	}
	if got[3] != want {
		return errors.Errorf("prediction conv must emit %d channels for %d anchors, got %d", want, h.numAnchors, got[3])
	}
	return nil
}
