package modules

import (
	"time"

	"github.com/elliotchance/orderedmap/v2"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/okieraised/go-triton-client/triton_proto"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"

	"github.com/okieraised/go-ssd-pipeline/config"
	"github.com/okieraised/go-ssd-pipeline/utils"
)

// FeatureExtractionClient runs the detector backbone on a Triton inference
// server and returns the intermediate feature maps the multibox heads
// attach to, keyed and ordered by layer name.
type FeatureExtractionClient struct {
	tritonClient *gotritonclient.TritonGRPCClient
	ModelParams  *config.SSDFeatureExtractionParams
	ModelConfig  *triton_proto.ModelConfigResponse
	featLayers   []string
	imageSize    [2]int
	meanPixel    [3]float32
	timeout      time.Duration
}

// NewFeatureExtractionClient initializes a backbone client for the model
// named in cfg. The featLayers list names the model outputs to collect, in
// the order the detection heads consume them.
func NewFeatureExtractionClient(tritonClient *gotritonclient.TritonGRPCClient, cfg *config.SSDFeatureExtractionParams, featLayers []string) (*FeatureExtractionClient, error) {
	if len(featLayers) == 0 {
		return nil, errors.New("at least one feature layer name is required")
	}
	client := &FeatureExtractionClient{}
	client.ModelParams = cfg

	inferenceConfig, err := tritonClient.GetModelConfiguration(cfg.Timeout, cfg.ModelName, "")
	if err != nil {
		return nil, err
	}
	client.tritonClient = tritonClient
	client.ModelConfig = inferenceConfig
	client.featLayers = append([]string(nil), featLayers...)
	client.imageSize = cfg.ImageSize
	client.meanPixel = cfg.MeanPixel
	client.timeout = cfg.Timeout

	return client, nil
}

// Infer preprocesses the image and runs it through the backbone.
func (c *FeatureExtractionClient) Infer(img gocv.Mat) (*orderedmap.OrderedMap[string, *tensor.Dense], error) {
	imgTensors, err := utils.PreprocessEvalImage(img, c.imageSize, c.meanPixel)
	if err != nil {
		return nil, err
	}
	return c.FeatureMaps(imgTensors)
}

// FeatureMaps runs an already preprocessed [batch, 3, H, W] input through
// the backbone and collects the configured feature layers, converted to
// [batch, H, W, C] layout.
func (c *FeatureExtractionClient) FeatureMaps(input *tensor.Dense) (*orderedmap.OrderedMap[string, *tensor.Dense], error) {
	modelRequest := &triton_proto.ModelInferRequest{
		ModelName: c.ModelParams.ModelName,
	}

	modelInputs := make([]*triton_proto.ModelInferRequest_InferInputTensor, 0)
	for _, inputCfg := range c.ModelConfig.Config.Input {
		modelInput := &triton_proto.ModelInferRequest_InferInputTensor{
			Name:     inputCfg.Name,
			Datatype: inputCfg.DataType.String()[5:],
			Shape:    inputCfg.Dims,
			Contents: &triton_proto.InferTensorContents{
				Fp32Contents: input.Float32s(),
			},
		}
		modelInputs = append(modelInputs, modelInput)
	}

	modelRequest.Inputs = modelInputs
	inferResp, err := c.tritonClient.ModelGRPCInfer(c.timeout, modelRequest)
	if err != nil {
		return nil, err
	}

	outputsByName := make(map[string]*tensor.Dense)
	for idx, out := range inferResp.Outputs {
		outShape := make([]int, 0)
		for _, shape := range out.Shape {
			outShape = append(outShape, int(shape))
		}
		outTensors := tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(outShape...),
			tensor.WithBacking(utils.BytesToT32[float32](inferResp.RawOutputContents[idx])),
		)
		outputsByName[out.Name] = outTensors
	}

	featureMaps := orderedmap.NewOrderedMap[string, *tensor.Dense]()
	for _, layer := range c.featLayers {
		raw, ok := outputsByName[layer]
		if !ok {
			return nil, errors.Errorf("backbone response has no output named %q", layer)
		}
		converted, err := featureMapToHWC(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s", layer)
		}
		featureMaps.Set(layer, converted)
	}

	return featureMaps, nil
}

// featureMapToHWC converts a [batch, C, H, W] feature map to
// [batch, H, W, C]. Maps already in channel-last layout pass through.
func featureMapToHWC(t *tensor.Dense) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) == 4 {
		batch, channels, height, width := shape[0], shape[1], shape[2], shape[3]
		in := t.Float32s()
		out := make([]float32, len(in))
		for b := range batch {
			base := b * channels * height * width
			for c := range channels {
				for y := range height {
					for x := range width {
						out[base+(y*width+x)*channels+c] = in[base+(c*height+y)*width+x]
					}
				}
			}
		}
		return tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(batch, height, width, channels),
			tensor.WithBacking(out),
		), nil
	}
	if len(shape) == 3 {
		out := t.Clone().(*tensor.Dense)
		err := out.Reshape(1, shape[0], shape[1], shape[2])
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, errors.Errorf("unexpected feature map shape %v", shape)
}
