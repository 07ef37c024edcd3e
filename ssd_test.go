package go_ssd_pipeline

import (
	"math"
	"testing"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"

	"github.com/okieraised/go-ssd-pipeline/config"
	"github.com/okieraised/go-ssd-pipeline/multibox"
	"github.com/okieraised/go-ssd-pipeline/processing"
)

type staticBackbone struct {
	featureMaps *orderedmap.OrderedMap[string, *tensor.Dense]
}

func (b *staticBackbone) FeatureMaps(input *tensor.Dense) (*orderedmap.OrderedMap[string, *tensor.Dense], error) {
	return b.featureMaps, nil
}

func zerosF32(shape ...int) *tensor.Dense {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...), tensor.WithBacking(make([]float32, size)))
}

func zerosInt(shape ...int) *tensor.Dense {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return tensor.New(tensor.Of(tensor.Int), tensor.WithShape(shape...), tensor.WithBacking(make([]int, size)))
}

func zeroConv() multibox.Conv2d {
	return func(feat *tensor.Dense, outChannels int) (*tensor.Dense, error) {
		shape := feat.Shape()
		return tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(shape[0], shape[1], shape[2], outChannels),
			tensor.WithBacking(make([]float32, shape[0]*shape[1]*shape[2]*outChannels)),
		), nil
	}
}

// testParams is a two layer detector with 4 classes, 4 anchors per cell on
// the first layer and 3 on the second.
func testParams() *config.SSDParams {
	return config.NewSSDParams(
		[2]int{300, 300},
		4, 4,
		[]string{"block1", "block2"},
		[][2]int{{2, 2}, {1, 1}},
		[2]float32{0.15, 0.90},
		[][]float32{{21, 45}, {99, 153}},
		[][]float32{{2, 0.5}, {2}},
		[]int{8, 16},
		0.5,
		[]int{20, -1},
		[4]float32{0.1, 0.1, 0.2, 0.2},
	)
}

func testNet(t *testing.T) *SSDNet {
	params := testParams()
	convs := []multibox.LayerConvs{
		{Loc: zeroConv(), Cls: zeroConv()},
		{Loc: zeroConv(), Cls: zeroConv()},
	}
	heads, err := multibox.NewHeads(params, convs)
	assert.NoError(t, err)

	featureMaps := orderedmap.NewOrderedMap[string, *tensor.Dense]()
	featureMaps.Set("block1", zerosF32(1, 2, 2, 8))
	featureMaps.Set("block2", zerosF32(1, 1, 1, 8))

	net, err := NewSSDNet(params, &staticBackbone{featureMaps: featureMaps}, heads, nil, nil, nil)
	assert.NoError(t, err)
	return net
}

func TestNewSSDNet_DefaultParams(t *testing.T) {
	net, err := NewSSDNet(nil, nil, nil, nil, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, 21, net.Params().NumClasses)
	assert.Equal(t, 6, len(net.Params().FeatLayers))
}

func TestNewSSDNet_HeadCountMismatch(t *testing.T) {
	params := testParams()
	heads, err := multibox.NewHeads(params, []multibox.LayerConvs{
		{Loc: zeroConv(), Cls: zeroConv()},
		{Loc: zeroConv(), Cls: zeroConv()},
	})
	assert.NoError(t, err)

	_, err = NewSSDNet(params, nil, heads[:1], nil, nil, nil)
	assert.Error(t, err)
}

func TestSSDNetForward(t *testing.T) {
	net := testNet(t)

	result, err := net.Forward(nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(result.Logits))
	assert.Equal(t, 2, len(result.Predictions))
	assert.Equal(t, 2, len(result.Localisations))
	assert.Equal(t, 2, result.FeatureMaps.Len())

	assert.Equal(t, tensor.Shape{1, 2, 2, 4, 4}, result.Logits[0].Shape())
	assert.Equal(t, tensor.Shape{1, 1, 1, 3, 4}, result.Localisations[1].Shape())

	// zero logits over 4 classes softmax to a uniform distribution
	for _, p := range result.Predictions[0].Float32s() {
		assert.InDelta(t, 0.25, p, 1e-6)
	}
}

func TestSSDNetForward_MissingLayer(t *testing.T) {
	params := testParams()
	heads, err := multibox.NewHeads(params, []multibox.LayerConvs{
		{Loc: zeroConv(), Cls: zeroConv()},
		{Loc: zeroConv(), Cls: zeroConv()},
	})
	assert.NoError(t, err)

	featureMaps := orderedmap.NewOrderedMap[string, *tensor.Dense]()
	featureMaps.Set("block1", zerosF32(1, 2, 2, 8))

	net, err := NewSSDNet(params, &staticBackbone{featureMaps: featureMaps}, heads, nil, nil, nil)
	assert.NoError(t, err)

	_, err = net.Forward(nil)
	assert.Error(t, err)
}

func TestSSDNetForward_NotConfigured(t *testing.T) {
	net, err := NewSSDNet(testParams(), nil, nil, nil, nil, nil)
	assert.NoError(t, err)

	_, err = net.Forward(nil)
	assert.Error(t, err)
}

func TestSSDNetAnchors(t *testing.T) {
	net := testNet(t)

	anchors, err := net.Anchors([2]int{300, 300})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(anchors))
	assert.Equal(t, 4, anchors[0].NumAnchors())
	assert.Equal(t, 3, anchors[1].NumAnchors())
}

func TestSSDNetUpdateFeatureShapes(t *testing.T) {
	net := testNet(t)

	preds := []*tensor.Dense{zerosF32(1, 5, 5, 4, 4), nil}
	updated, err := net.UpdateFeatureShapes(preds)
	assert.NoError(t, err)

	assert.Equal(t, [][2]int{{5, 5}, {1, 1}}, updated.Params().FeatShapes)
	assert.Equal(t, [][2]int{{2, 2}, {1, 1}}, net.Params().FeatShapes)
}

func TestSSDNetCollaboratorsRequired(t *testing.T) {
	net, err := NewSSDNet(testParams(), nil, nil, nil, nil, nil)
	assert.NoError(t, err)

	_, _, _, err = net.BBoxesEncode(nil, nil, nil)
	assert.Error(t, err)

	_, err = net.BBoxesDecode(nil, nil)
	assert.Error(t, err)

	_, _, err = net.DetectedBoxes(nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestSSDNetBBoxesEncode_ThreadsConfig(t *testing.T) {
	var gotClasses, gotIgnore int
	var gotThreshold float32
	var gotScaling [4]float32
	encoder := func(
		labels, bboxes *tensor.Dense,
		anchors []*processing.LayerAnchors,
		numClasses, ignoreLabel int,
		ignoreThreshold float32,
		priorScaling [4]float32,
	) ([]*tensor.Dense, []*tensor.Dense, []*tensor.Dense, error) {
		gotClasses = numClasses
		gotIgnore = ignoreLabel
		gotThreshold = ignoreThreshold
		gotScaling = priorScaling
		return nil, nil, nil, nil
	}

	net, err := NewSSDNet(testParams(), nil, nil, encoder, nil, nil)
	assert.NoError(t, err)

	_, _, _, err = net.BBoxesEncode(nil, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, 4, gotClasses)
	assert.Equal(t, 4, gotIgnore)
	assert.InDelta(t, 0.5, gotThreshold, 1e-6)
	assert.Equal(t, [4]float32{0.1, 0.1, 0.2, 0.2}, gotScaling)
}

func TestSSDNetDetectedBoxes_ThreadsConfig(t *testing.T) {
	var gotClasses int
	var gotScaling [4]float32
	pipeline := processing.NewDetectionPipeline(
		func(localisations []*tensor.Dense, anchors []*processing.LayerAnchors, priorScaling [4]float32) ([]*tensor.Dense, error) {
			gotScaling = priorScaling
			return localisations, nil
		},
		func(predictions, localisations []*tensor.Dense, selectThreshold float32, numClasses int) (processing.ClassScores, processing.ClassBoxes, error) {
			gotClasses = numClasses
			return processing.ClassScores{}, processing.ClassBoxes{}, nil
		},
		func(scores processing.ClassScores, boxes processing.ClassBoxes, topK int) (processing.ClassScores, processing.ClassBoxes, error) {
			return scores, boxes, nil
		},
		func(scores processing.ClassScores, boxes processing.ClassBoxes, nmsThreshold float32, keepTopK int) (processing.ClassScores, processing.ClassBoxes, error) {
			return scores, boxes, nil
		},
		nil,
	)

	net, err := NewSSDNet(testParams(), nil, nil, nil, nil, pipeline)
	assert.NoError(t, err)

	_, _, err = net.DetectedBoxes(nil, nil, nil, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, 4, gotClasses)
	assert.Equal(t, [4]float32{0.1, 0.1, 0.2, 0.2}, gotScaling)
}

func TestSSDNetLosses(t *testing.T) {
	net := testNet(t)

	result, err := net.Forward(nil)
	assert.NoError(t, err)

	gclasses := []*tensor.Dense{zerosInt(1, 2, 2, 4), zerosInt(1, 1, 1, 3)}
	glocalisations := []*tensor.Dense{zerosF32(1, 2, 2, 4, 4), zerosF32(1, 1, 1, 3, 4)}
	gscores := []*tensor.Dense{zerosF32(1, 2, 2, 4), zerosF32(1, 1, 1, 3)}

	terms, err := net.Losses(result.Logits, result.Localisations, gclasses, glocalisations, gscores, nil)
	assert.NoError(t, err)

	// no positives, so mining falls back to one negative per batch entry
	// and the loss is the cross entropy of a uniform 4 class prediction
	assert.Zero(t, terms.CrossEntropyPos)
	assert.Zero(t, terms.Localization)
	assert.InDelta(t, math.Log(4), float64(terms.CrossEntropyNeg), 1e-5)
	assert.InDelta(t, math.Log(4), float64(terms.Total()), 1e-5)
}
