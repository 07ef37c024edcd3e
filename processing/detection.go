package processing

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/okieraised/go-ssd-pipeline/config"
)

// ClassScores maps a class id to a 1D tensor of detection scores.
type ClassScores map[int]*tensor.Dense

// ClassBoxes maps a class id to an [N, 4] tensor of decoded boxes in
// (ymin, xmin, ymax, xmax) order.
type ClassBoxes map[int]*tensor.Dense

// BoxEncoder matches ground truth boxes against the reference anchors and
// produces per-layer target classes, box offsets and overlap scores.
type BoxEncoder func(
	labels, bboxes *tensor.Dense,
	anchors []*LayerAnchors,
	numClasses, ignoreLabel int,
	ignoreThreshold float32,
	priorScaling [4]float32,
) ([]*tensor.Dense, []*tensor.Dense, []*tensor.Dense, error)

// BoxDecoder turns per-layer box regressions back into absolute boxes
// relative to the reference anchors.
type BoxDecoder func(localisations []*tensor.Dense, anchors []*LayerAnchors, priorScaling [4]float32) ([]*tensor.Dense, error)

// BoxSelector keeps detections whose class score clears the threshold and
// groups them by class.
type BoxSelector func(predictions, localisations []*tensor.Dense, selectThreshold float32, numClasses int) (ClassScores, ClassBoxes, error)

// BoxSorter orders detections by descending score and truncates to the
// topK best per class.
type BoxSorter func(scores ClassScores, boxes ClassBoxes, topK int) (ClassScores, ClassBoxes, error)

// BoxNMS applies non-maximum suppression per class and keeps at most
// keepTopK detections.
type BoxNMS func(scores ClassScores, boxes ClassBoxes, nmsThreshold float32, keepTopK int) (ClassScores, ClassBoxes, error)

// BoxClipper clips boxes to the given window.
type BoxClipper func(clipBox *tensor.Dense, boxes ClassBoxes) (ClassBoxes, error)

// DetectionPipeline chains the detection post-processing steps in a fixed
// order: decode, select, sort, non-maximum suppression and finally an
// optional clip. The order is part of the detector contract, clipping
// before suppression would change which boxes survive.
type DetectionPipeline struct {
	Decode BoxDecoder
	Select BoxSelector
	Sort   BoxSorter
	NMS    BoxNMS
	Clip   BoxClipper
}

// NewDetectionPipeline assembles a pipeline from its steps. The clipper may
// be nil when no clipping is ever requested.
func NewDetectionPipeline(decoder BoxDecoder, selector BoxSelector, sorter BoxSorter, nms BoxNMS, clipper BoxClipper) *DetectionPipeline {
	return &DetectionPipeline{
		Decode: decoder,
		Select: selector,
		Sort:   sorter,
		NMS:    nms,
		Clip:   clipper,
	}
}

// Run executes the post-processing chain on per-layer class predictions and
// box regressions. A non-nil clipBox requests clipping of the surviving
// boxes as the final step. A nil params falls back to the default detection
// parameters.
func (p *DetectionPipeline) Run(
	predictions, localisations []*tensor.Dense,
	anchors []*LayerAnchors,
	numClasses int,
	priorScaling [4]float32,
	clipBox *tensor.Dense,
	params *config.DetectionParams,
) (ClassScores, ClassBoxes, error) {
	if params == nil {
		params = config.DefaultDetectionParams
	}
	if p.Decode == nil || p.Select == nil || p.Sort == nil || p.NMS == nil {
		return nil, nil, errors.New("detection pipeline requires decode, select, sort and nms steps")
	}
	if clipBox != nil && p.Clip == nil {
		return nil, nil, errors.New("clipping requested but no clip step configured")
	}
	if len(predictions) != len(localisations) || len(localisations) != len(anchors) {
		return nil, nil, errors.Errorf(
			"per-layer list length mismatch: %d predictions, %d localisations, %d anchor layers",
			len(predictions), len(localisations), len(anchors),
		)
	}

	decoded, err := p.Decode(localisations, anchors, priorScaling)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decode")
	}

	rscores, rboxes, err := p.Select(predictions, decoded, params.SelectThreshold, numClasses)
	if err != nil {
		return nil, nil, errors.Wrap(err, "select")
	}

	rscores, rboxes, err = p.Sort(rscores, rboxes, params.TopK)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sort")
	}

	rscores, rboxes, err = p.NMS(rscores, rboxes, params.NMSThreshold, params.KeepTopK)
	if err != nil {
		return nil, nil, errors.Wrap(err, "nms")
	}

	if clipBox != nil {
		rboxes, err = p.Clip(clipBox, rboxes)
		if err != nil {
			return nil, nil, errors.Wrap(err, "clip")
		}
	}

	return rscores, rboxes, nil
}
