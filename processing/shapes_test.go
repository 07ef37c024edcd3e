package processing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"
)

func TestFeatShape(t *testing.T) {
	assert.True(t, FeatShape{38, 38, 4}.FullyKnown())
	assert.False(t, FeatShape{38, DimUnknown, 4}.FullyKnown())
	assert.False(t, FeatShape{0, 38, 4}.FullyKnown())
	assert.Equal(t, [2]int{38, 38}, FeatShape{38, 38, 4}.Spatial())
}

func TestUpdateFeatShapes(t *testing.T) {
	got := []FeatShape{
		{38, 38, 4},
		{DimUnknown, 19, 6},
		{10, DimUnknown, 6},
	}
	defaults := []FeatShape{
		{40, 40, 4},
		{19, 19, 6},
		{10, 10, 6},
	}

	out, err := UpdateFeatShapes(got, defaults)
	assert.NoError(t, err)
	// fully known shapes win over their fallback, partially known ones lose
	assert.Equal(t, FeatShape{38, 38, 4}, out[0])
	assert.Equal(t, FeatShape{19, 19, 6}, out[1])
	assert.Equal(t, FeatShape{10, 10, 6}, out[2])
}

func TestUpdateFeatShapes_Mismatch(t *testing.T) {
	_, err := UpdateFeatShapes([]FeatShape{{1, 1, 1}}, nil)
	assert.Error(t, err)
}

func TestFeatShapesFromPredictions(t *testing.T) {
	pred := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(2, 10, 10, 6, 21),
		tensor.WithBacking(make([]float32, 2*10*10*6*21)),
	)
	badRank := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(3), tensor.WithBacking(make([]float32, 3)))
	defaults := []FeatShape{
		{19, 19, 6},
		{5, 5, 4},
		{3, 3, 4},
	}

	out, err := FeatShapesFromPredictions([]*tensor.Dense{pred, nil, badRank}, defaults)
	assert.NoError(t, err)
	assert.Equal(t, FeatShape{10, 10, 6}, out[0])
	assert.Equal(t, FeatShape{5, 5, 4}, out[1])
	assert.Equal(t, FeatShape{3, 3, 4}, out[2])
}

func TestFeatShapesFromPredictions_Mismatch(t *testing.T) {
	_, err := FeatShapesFromPredictions([]*tensor.Dense{nil}, nil)
	assert.Error(t, err)
}
