package ddpm

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
)

// DenoiseStepGraph performs one step of the reverse diffusion process,
// transforming noisyImages at step stepNum into (slightly less noisy) images
// at step stepNum-1:
//
//	x_{t-1} = (x_t - Beta[t]/sqrt(1-Alpha[t]) * predictedNoise) / sqrt(1-Beta[t]) + Gamma[t]*z
//
// with z fresh unit gaussian noise. The scalar inputs stepNum, betaT, alphaT
// and gammaT carry the step number and its schedule values; the caller is
// expected to pass gammaT=0 on the last step (stepNum=0), where no noise is
// re-injected.
func (c *Config) DenoiseStepGraph(ctx *context.Context, noisyImages, stepNum, betaT, alphaT, gammaT, classIDs *Node) *Node {
	g := noisyImages.Graph()
	dtype := noisyImages.DType()
	batchSize := noisyImages.Shape().Dimensions[0]

	stepNums := BroadcastToDims(InsertAxes(stepNum, -1), batchSize)
	betaT = ConvertDType(betaT, dtype)
	alphaT = ConvertDType(alphaT, dtype)
	gammaT = ConvertDType(gammaT, dtype)

	predictedNoises := c.Denoise(ctx, noisyImages, stepNums, classIDs)
	mean := Div(
		Sub(noisyImages, Mul(predictedNoises, Div(betaT, Sqrt(OneMinus(alphaT))))),
		Sqrt(OneMinus(betaT)))
	z := ctx.RandomNormal(g, noisyImages.Shape())
	return Add(mean, Mul(z, gammaT))
}

// ImagesGenerator samples images from fixed noise and class ids, walking the
// whole schedule backwards. Create it with NewImagesGenerator.
type ImagesGenerator struct {
	config           *Config
	ctx              *context.Context
	noise, classIDs  *tensors.Tensor
	numImages        int
	denormalizerExec *Exec
	stepExec         *context.Exec
}

// NewImagesGenerator creates a generator of images from the given noise and
// classIDs. The number of reverse steps taken is the schedule length.
//
// It can be used multiple times: if the model is trained in between, the
// generated images change accordingly, otherwise they are deterministic in
// the noise given.
func NewImagesGenerator(cfg *Config, noise, classIDs *tensors.Tensor) *ImagesGenerator {
	ctx := cfg.Context.Reuse()
	numImages := noise.Shape().Dimensions[0]
	if classIDs.Shape().Dimensions[0] != numImages || noise.Rank() != 4 || classIDs.Rank() != 1 {
		exceptions.Panicf("shapes of noise (%s) and classIDs (%s) are incompatible: "+
			"they must have the same number of images, noise must be rank 4 and classIDs rank 1",
			noise.Shape(), classIDs.Shape())
	}
	return &ImagesGenerator{
		config:    cfg,
		ctx:       ctx,
		noise:     noise,
		classIDs:  classIDs,
		numImages: numImages,
		stepExec:  context.MustNewExec(cfg.Backend, ctx, cfg.DenoiseStepGraph),
		denormalizerExec: MustNewExec(cfg.Backend, func(images *Node) *Node {
			return cfg.DenormalizeImages(images)
		}),
	}
}

// GenerateEveryN transposes the initial noise towards the images
// distribution, one schedule step at a time, and returns the resulting
// batches of images, denormalized to the 0-255 range: the final one, plus
// every n-th intermediary batch (none if n <= 0). It also returns the step
// number each returned batch was taken at.
func (g *ImagesGenerator) GenerateEveryN(n int) (predictedImages []*tensors.Tensor, stepNums []int) {
	// The original noise is preserved: the working batch is overwritten at
	// each step, with its buffer donated to the execution.
	imagesBatch := must.M1(g.noise.LocalClone())

	sched := g.config.Schedule
	backend := g.config.Backend
	numSteps := sched.Len()
	for step := numSteps - 1; step >= 0; step-- {
		gamma := sched.Gamma[step]
		if step == 0 {
			// No noise is re-injected on the last step.
			gamma = 0
		}
		buf := must.M1(DonateTensorBuffer(imagesBatch, backend, 0))
		imagesBatch = must.M1(g.stepExec.Exec1(
			buf, int32(step), sched.Beta[step], sched.Alpha[step], gamma, g.classIDs))
		if (n > 0 && step%n == 0) || step == 0 {
			stepNums = append(stepNums, step)
			predictedImages = append(predictedImages, g.denormalizerExec.MustExec(imagesBatch)[0])
		}
	}
	return
}

// Generate images from the original noise, walking the full schedule.
func (g *ImagesGenerator) Generate() *tensors.Tensor {
	batches, _ := g.GenerateEveryN(0)
	return batches[len(batches)-1]
}
