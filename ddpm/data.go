package ddpm

import (
	"math/rand"

	"github.com/gomlx/ddpm/cifar10"
	"github.com/gomlx/ddpm/pixels"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/janpfeifer/must"
)

// CreateInMemoryDatasets returns the train and validation datasets, yielding
// images scaled to [0, 1] and their class ids. It downloads and parses
// CIFAR-10 on first use.
func (c *Config) CreateInMemoryDatasets() (trainDS, validationDS *datasets.InMemoryDataset) {
	trainDS = must.M1(cifar10.NewDataset(c.Backend, "train", c.DataDir, c.DType, cifar10.Train))
	validationDS = must.M1(cifar10.NewDataset(c.Backend, "validation", c.DataDir, c.DType, cifar10.Test))
	return
}

// PreprocessImages takes images in the [0, 1] range, as the datasets yield
// them, and converts them to the model range [-1, 1] and the model DType.
func (c *Config) PreprocessImages(images *Node) *Node {
	images = ConvertDType(images, c.DType)
	images = pixels.FromUnitRangeGraph(images)
	c.NanLogger.TraceFirstNaN(images, "PreprocessImages")
	return images
}

// DenormalizeImages takes images in the model range [-1, 1] and converts them
// to the 0-255 range, clamping values the sampler pushed outside it. The
// result stays a float, it is not converted to bytes.
func (c *Config) DenormalizeImages(images *Node) *Node {
	return MulScalar(pixels.ToUnitRangeGraph(images), 255)
}

// GenerateNoise returns a tensor of random noise shaped
// [numImages, ImageSize, ImageSize, 3], suitable as the starting point for
// sampling.
func (c *Config) GenerateNoise(numImages int) *tensors.Tensor {
	return MustExecOnce(c.Backend, func(g *Graph) *Node {
		state := RNGStateForGraph(g)
		_, noise := RandomNormal(state, shapes.Make(c.DType, numImages, c.ImageSize, c.ImageSize, cifar10.Depth))
		return noise
	})
}

// GenerateClassIDs returns numImages random CIFAR-10 class ids.
func (c *Config) GenerateClassIDs(numImages int) *tensors.Tensor {
	classIDs := make([]int32, numImages)
	for ii := range classIDs {
		classIDs[ii] = int32(rand.Intn(cifar10.NumClasses))
	}
	return tensors.FromValue(classIDs)
}
