package go_ssd_pipeline

import (
	"github.com/elliotchance/orderedmap/v2"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/okieraised/go-ssd-pipeline/config"
	"github.com/okieraised/go-ssd-pipeline/modules"
	"github.com/okieraised/go-ssd-pipeline/multibox"
	"github.com/okieraised/go-ssd-pipeline/processing"
	"github.com/okieraised/go-ssd-pipeline/utils"
)

// encodeIgnoreThreshold is the overlap above which an unmatched anchor is
// excluded from negative mining during target encoding.
const encodeIgnoreThreshold = 0.5

// FeatureExtractor produces the named feature maps the multibox heads
// attach to, ordered the way the detection heads consume them. Each map is
// a [batch, H, W, C] tensor.
type FeatureExtractor interface {
	FeatureMaps(input *tensor.Dense) (*orderedmap.OrderedMap[string, *tensor.Dense], error)
}

// ForwardResult bundles the per-layer outputs of a forward pass. The lists
// are aligned with the configured feature layers: entry i of every list
// belongs to layer i.
type ForwardResult struct {
	Predictions   []*tensor.Dense                               `json:"predictions"`
	Localisations []*tensor.Dense                               `json:"localisations"`
	Logits        []*tensor.Dense                               `json:"logits"`
	FeatureMaps   *orderedmap.OrderedMap[string, *tensor.Dense] `json:"feature_maps"`
}

// SSDNet ties the detector together: the backbone producing feature maps,
// one multibox head per feature layer and the external box codec and
// post-processing steps.
type SSDNet struct {
	params   *config.SSDParams
	backbone FeatureExtractor
	heads    []*multibox.Head
	encoder  processing.BoxEncoder
	decoder  processing.BoxDecoder
	pipeline *processing.DetectionPipeline
}

// NewSSDNet initializes a detector from its parts. A nil params falls back
// to the SSD-300 defaults. Backbone, heads and the box collaborators may be
// nil when the corresponding operations are never used, the operations
// report an error otherwise.
func NewSSDNet(
	params *config.SSDParams,
	backbone FeatureExtractor,
	heads []*multibox.Head,
	encoder processing.BoxEncoder,
	decoder processing.BoxDecoder,
	pipeline *processing.DetectionPipeline,
) (*SSDNet, error) {
	if params == nil {
		params = config.DefaultSSDParams
	}
	err := params.Validate()
	if err != nil {
		return nil, err
	}
	if heads != nil && len(heads) != len(params.FeatLayers) {
		return nil, errors.Errorf("%d multibox heads for %d feature layers", len(heads), len(params.FeatLayers))
	}

	client := &SSDNet{}
	client.params = params
	client.backbone = backbone
	client.heads = heads
	client.encoder = encoder
	client.decoder = decoder
	client.pipeline = pipeline
	return client, nil
}

// NewTritonSSDNet initializes a detector whose backbone runs on a Triton
// inference server. The prediction convolutions are supplied per layer, nil
// parameter structs fall back to the defaults.
func NewTritonSSDNet(
	tritonClient *gotritonclient.TritonGRPCClient,
	params *config.SSDParams,
	extractionParams *config.SSDFeatureExtractionParams,
	convs []multibox.LayerConvs,
	encoder processing.BoxEncoder,
	decoder processing.BoxDecoder,
	pipeline *processing.DetectionPipeline,
) (*SSDNet, error) {
	if params == nil {
		params = config.DefaultSSDParams
	}
	if extractionParams == nil {
		extractionParams = config.DefaultSSDFeatureExtractionParams
	}

	backbone, err := modules.NewFeatureExtractionClient(tritonClient, extractionParams, params.FeatLayers)
	if err != nil {
		return nil, err
	}

	heads, err := multibox.NewHeads(params, convs)
	if err != nil {
		return nil, err
	}

	return NewSSDNet(params, backbone, heads, encoder, decoder, pipeline)
}

// Params returns the detector configuration. Callers must treat it as
// read-only, UpdateFeatureShapes derives modified copies.
func (n *SSDNet) Params() *config.SSDParams {
	return n.params
}

// Anchors computes the reference boxes of every feature layer for an image
// of the given shape.
func (n *SSDNet) Anchors(imgShape [2]int) ([]*processing.LayerAnchors, error) {
	return processing.GenerateAllLayerAnchors(imgShape, n.params)
}

// Forward runs the backbone on a preprocessed [batch, 3, H, W] input and
// attaches the multibox heads to the configured feature layers. Class
// logits are returned both raw and as softmax probabilities.
func (n *SSDNet) Forward(input *tensor.Dense) (*ForwardResult, error) {
	if n.backbone == nil {
		return nil, errors.New("no backbone configured")
	}
	if len(n.heads) == 0 {
		return nil, errors.New("no multibox heads configured")
	}

	featureMaps, err := n.backbone.FeatureMaps(input)
	if err != nil {
		return nil, err
	}

	result := &ForwardResult{FeatureMaps: featureMaps}
	for i, layer := range n.params.FeatLayers {
		feat, ok := featureMaps.Get(layer)
		if !ok {
			return nil, errors.Errorf("backbone produced no feature map for layer %q", layer)
		}
		cls, loc, err := n.heads[i].Predict(feat)
		if err != nil {
			return nil, errors.Wrapf(err, "multibox layer %q", layer)
		}
		pred, err := utils.SoftmaxLastDim(cls)
		if err != nil {
			return nil, errors.Wrapf(err, "multibox layer %q", layer)
		}
		result.Logits = append(result.Logits, cls)
		result.Localisations = append(result.Localisations, loc)
		result.Predictions = append(result.Predictions, pred)
	}

	return result, nil
}

// BBoxesEncode matches ground truth labels and boxes against the reference
// anchors and returns per-layer target classes, box offsets and overlap
// scores for the training loss.
func (n *SSDNet) BBoxesEncode(labels, bboxes *tensor.Dense, anchors []*processing.LayerAnchors) ([]*tensor.Dense, []*tensor.Dense, []*tensor.Dense, error) {
	if n.encoder == nil {
		return nil, nil, nil, errors.New("no box encoder configured")
	}
	return n.encoder(
		labels,
		bboxes,
		anchors,
		n.params.NumClasses,
		n.params.NoAnnotationLabel,
		encodeIgnoreThreshold,
		n.params.PriorScaling,
	)
}

// BBoxesDecode converts per-layer box regressions back into absolute boxes
// relative to the reference anchors.
func (n *SSDNet) BBoxesDecode(localisations []*tensor.Dense, anchors []*processing.LayerAnchors) ([]*tensor.Dense, error) {
	if n.decoder == nil {
		return nil, errors.New("no box decoder configured")
	}
	return n.decoder(localisations, anchors, n.params.PriorScaling)
}

// Losses computes the training loss from raw head outputs and encoded
// ground truth.
func (n *SSDNet) Losses(logits, localisations, gclasses, glocalisations, gscores []*tensor.Dense, p *config.SSDLossParams) (*processing.LossTerms, error) {
	return processing.SSDLosses(logits, localisations, gclasses, glocalisations, gscores, p)
}

// DetectedBoxes runs the detection post-processing chain on the forward
// pass outputs. A non-nil clipBox clips the surviving boxes as the final
// step.
func (n *SSDNet) DetectedBoxes(
	predictions, localisations []*tensor.Dense,
	anchors []*processing.LayerAnchors,
	clipBox *tensor.Dense,
	params *config.DetectionParams,
) (processing.ClassScores, processing.ClassBoxes, error) {
	if n.pipeline == nil {
		return nil, nil, errors.New("no detection pipeline configured")
	}
	return n.pipeline.Run(
		predictions,
		localisations,
		anchors,
		n.params.NumClasses,
		n.params.PriorScaling,
		clipBox,
		params,
	)
}

// UpdateFeatureShapes resolves the configured feature shapes against the
// shapes observed in a forward pass and returns a detector with the updated
// configuration. The receiver is left untouched.
func (n *SSDNet) UpdateFeatureShapes(predictions []*tensor.Dense) (*SSDNet, error) {
	defaults := make([]processing.FeatShape, len(n.params.FeatShapes))
	for i, s := range n.params.FeatShapes {
		defaults[i] = processing.FeatShape{
			s[0],
			s[1],
			processing.AnchorsPerCell(n.params.AnchorSizes[i], n.params.AnchorRatios[i]),
		}
	}

	resolved, err := processing.FeatShapesFromPredictions(predictions, defaults)
	if err != nil {
		return nil, err
	}

	featShapes := make([][2]int, len(resolved))
	for i, s := range resolved {
		featShapes[i] = s.Spatial()
	}

	return &SSDNet{
		params:   n.params.WithFeatShapes(featShapes),
		backbone: n.backbone,
		heads:    n.heads,
		encoder:  n.encoder,
		decoder:  n.decoder,
		pipeline: n.pipeline,
	}, nil
}
