package utils

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// ImageToOpenCV converts the raw image into OpenCV Matrix
func ImageToOpenCV(bImage []byte) (*gocv.Mat, error) {
	dstMat := gocv.Mat{}
	srcMat, err := gocv.IMDecode(bImage, gocv.IMReadUnchanged)
	if err != nil {
		return &gocv.Mat{}, err
	}

	// Add the rows, columns, and number of channel to the dimension
	dimension := []int{}
	dimension = append(dimension, srcMat.Size()...)
	dimension = append(dimension, srcMat.Channels())

	if len(dimension) < 3 {
		return &dstMat, errors.New(fmt.Sprintf("invalid number of dimension: %d", len(dimension)))
	}

	if dimension[2] == 4 { // RGBA
		gocv.CvtColor(srcMat, &dstMat, gocv.ColorBGRAToBGR)
	} else if dimension[2] == 1 { // Grayscale
		gocv.CvtColor(srcMat, &dstMat, gocv.ColorGrayToBGR)
	} else {
		dstMat = srcMat
	}
	return &dstMat, nil
}

// PreprocessEvalImage resizes the input image to the network input size,
// subtracts the per-channel mean and returns an NCHW tensor in RGB order.
func PreprocessEvalImage(img gocv.Mat, size [2]int, means [3]float32) (*tensor.Dense, error) {
	if img.Empty() {
		return nil, errors.New("input image is empty")
	}
	if size[0] <= 0 || size[1] <= 0 {
		return nil, errors.New(fmt.Sprintf("invalid input size: %v", size))
	}

	resized := gocv.NewMat()
	defer func(resized *gocv.Mat) {
		err := resized.Close()
		if err != nil {
			return
		}
	}(&resized)
	gocv.Resize(img, &resized, image.Point{X: size[1], Y: size[0]}, 0, 0, gocv.InterpolationLinear)

	imgTensors := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 3, size[0], size[1]))
	for z := range 3 {
		for y := range size[0] {
			for x := range size[1] {
				// OpenCV stores pixels as BGR, the network expects RGB
				err := imgTensors.SetAt(float32(resized.GetVecbAt(y, x)[2-z])-means[z], 0, z, y, x)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	return imgTensors, nil
}
