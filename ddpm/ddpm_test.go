package ddpm

import (
	"fmt"
	"testing"

	"github.com/gomlx/ddpm/cifar10"
	"github.com/gomlx/ddpm/schedule"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// getTestConfig builds a Config with a model small enough to build and run
// in tests.
func getTestConfig(t *testing.T) *Config {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		schedule.ParamSteps:             4,
		"diffusion_channels_list":       []int{4, 8},
		"diffusion_num_residual_blocks": 1,
		"samples_during_training":       4,
		"step_embed_size":               8,
		"plots":                         false,
	})
	backend := graphtest.BuildTestBackend()
	return NewConfig(backend, ctx, t.TempDir(), nil)
}

func TestUNetModelGraph(t *testing.T) {
	config := getTestConfig(t)
	ctx := config.Context
	g := NewGraph(config.Backend, "test")

	numExamples := 5
	noisyImages := Zeros(g, shapes.Make(config.DType, numExamples, config.ImageSize, config.ImageSize, cifar10.Depth))
	stepNums := Zeros(g, shapes.Make(dtypes.Int32, numExamples))
	classIDs := Zeros(g, shapes.Make(dtypes.Int32, numExamples))
	predictedNoises := config.UNetModelGraph(ctx, noisyImages, stepNums, classIDs)
	assert.True(t, noisyImages.Shape().Equal(predictedNoises.Shape()),
		"the U-Net output must have the same shape as its input images")
	assert.Greater(t, ctx.NumParameters(), 0)
	fmt.Printf("U-Net Model #params:\t%d\n", ctx.NumParameters())
	fmt.Printf(" U-Net Model memory:\t%s\n", fsutil.ByteCountIEC(int64(ctx.Memory())))
}

// getZeroPredictions calls the training model with placeholder images. As a
// side effect it creates the model variables in the config's context.
func getZeroPredictions(config *Config, g *Graph, numExamples int) []*Node {
	images := Zeros(g, shapes.Make(config.DType, numExamples, config.ImageSize, config.ImageSize, cifar10.Depth))
	classIDs := Zeros(g, shapes.Make(dtypes.Int32, numExamples))
	modelFn := config.BuildTrainingModelGraph()
	return modelFn(config.Context, nil, []*Node{images, classIDs})
}

func TestTrainingModelGraph(t *testing.T) {
	config := getTestConfig(t)
	ctx := config.Context
	g := NewGraph(config.Backend, "test")

	numExamples := 5
	predictions := getZeroPredictions(config, g, numExamples)
	require.Len(t, predictions, 3)
	predictedImages, noisesLoss, imagesLoss := predictions[0], predictions[1], predictions[2]
	assert.NoError(t, predictedImages.Shape().CheckDims(numExamples, config.ImageSize, config.ImageSize, cifar10.Depth))
	assert.True(t, noisesLoss.Shape().IsScalar(), "the loss must be a scalar")
	assert.True(t, imagesLoss.Shape().IsScalar(), "the images distance metric must be a scalar")
	assert.Greater(t, ctx.NumParameters(), 0, "no context parameters created!?")
}

func TestDenoiseStepGraph(t *testing.T) {
	config := getTestConfig(t)
	g := NewGraph(config.Backend, "test")
	_ = getZeroPredictions(config, g, 2) // Creates the model weights.

	numImages := 3
	g2 := NewGraph(config.Backend, "denoise-step")
	noisyImages := Zeros(g2, shapes.Make(config.DType, numImages, config.ImageSize, config.ImageSize, cifar10.Depth))
	classIDs := Zeros(g2, shapes.Make(dtypes.Int32, numImages))
	denoised := config.DenoiseStepGraph(config.Context.Reuse(),
		noisyImages, Const(g2, int32(1)),
		Const(g2, 0.01), Const(g2, 0.9), Const(g2, 0.05),
		classIDs)
	assert.True(t, noisyImages.Shape().Equal(denoised.Shape()),
		"one denoising step must preserve the images shape")
}

func TestImagesGenerator(t *testing.T) {
	config := getTestConfig(t)
	g := NewGraph(config.Backend, "test")
	_ = getZeroPredictions(config, g, 2) // Batch size won't matter, this only creates the model weights.

	numImages := 3
	noise := config.GenerateNoise(numImages)
	classIDs := config.GenerateClassIDs(numImages)
	generator := NewImagesGenerator(config, noise, classIDs)

	// Just the final images:
	images := generator.Generate()
	require.NoError(t, images.Shape().CheckDims(numImages, config.ImageSize, config.ImageSize, cifar10.Depth))

	// With intermediary images: the schedule has 4 steps, so collecting every
	// 2nd step yields the batches at steps 2 and 0.
	allImages, stepNums := generator.GenerateEveryN(2)
	assert.Equal(t, []int{2, 0}, stepNums)
	for _, images = range allImages {
		require.NoError(t, images.Shape().CheckDims(numImages, config.ImageSize, config.ImageSize, cifar10.Depth))
	}
}

func TestGenerateNoiseAndClassIDs(t *testing.T) {
	config := getTestConfig(t)
	noise := config.GenerateNoise(7)
	require.NoError(t, noise.Shape().Check(config.DType, 7, config.ImageSize, config.ImageSize, cifar10.Depth))

	classIDs := config.GenerateClassIDs(7)
	require.NoError(t, classIDs.Shape().Check(dtypes.Int32, 7))
	for _, id := range classIDs.Value().([]int32) {
		assert.GreaterOrEqual(t, id, int32(0))
		assert.Less(t, id, int32(cifar10.NumClasses))
	}
}
