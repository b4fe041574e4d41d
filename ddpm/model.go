package ddpm

import (
	"strings"

	"github.com/gomlx/ddpm/cifar10"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// UNetModelScope is the context scope under which all U-Net variables live.
const UNetModelScope = "u-net"

// normalizeLayer normalizes x according to the layers.ParamNormalization
// hyperparameter. It works with x of rank 4 and rank 3.
func (c *Config) normalizeLayer(ctx *context.Context, x *Node) *Node {
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "none")
	switch norm {
	case "none":
		// No-op.
	case "batch":
		x = batchnorm.New(ctx, x, -1).Center(false).Scale(false).Done()
	case "layer":
		x = layers.LayerNormalization(ctx, x, 1, 2).Done()
	}
	c.NanLogger.TraceFirstNaN(x)
	return x
}

// concatContextFeatures concatenates contextFeatures, shaped
// [batch, 1, 1, featuresDim], to every spatial position of x.
func concatContextFeatures(x, contextFeatures *Node) *Node {
	if contextFeatures == nil {
		return x
	}
	broadcastDims := contextFeatures.Shape().Clone().Dimensions
	for _, axis := range timage.GetSpatialAxes(x, timage.ChannelsLast) {
		broadcastDims[axis] = x.Shape().Dimensions[axis]
	}
	contextFeatures = BroadcastToDims(contextFeatures, broadcastDims...)
	return Concatenate([]*Node{x, contextFeatures}, -1)
}

// residualBlock transforms x, of rank 4, to outputChannels channels (axis 3).
func (c *Config) residualBlock(ctx *context.Context, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	residual := x
	layerNum := 0
	nextCtx := func(name string) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return
	}

	if inputChannels != outputChannels {
		residual = layers.Dense(nextCtx("residual_projection"), x, true, outputChannels)
	}
	x = c.normalizeLayer(nextCtx("norm"), x)
	x = layers.Convolution(nextCtx("conv"), x).Channels(outputChannels).KernelSize(3).PadSame().Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(nextCtx("conv"), x).Channels(outputChannels).KernelSize(3).PadSame().Done()
	x = layers.DropoutFromContext(ctx, x)
	x = Add(x, residual)
	c.NanLogger.TraceFirstNaN(x)
	return x
}

// downBlock applies numBlocks residual blocks followed by a pooling of size
// 2, halving the spatial size. It pushes the output of each residual block to
// the skips stack, to build the skip connections later.
func (c *Config) downBlock(ctx *context.Context, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	for ii := 0; ii < numBlocks; ii++ {
		x = c.residualBlock(ctx.Inf("%03d-residual", ii), x, outputChannels)
		skips = append(skips, x)
	}
	poolType := context.GetParamOr(ctx, "diffusion_pool", "mean")
	switch poolType {
	case "mean":
		x = MeanPool(x).Window(2).NoPadding().Done()
	case "max":
		x = MaxPool(x).Window(2).NoPadding().Done()
	default:
		exceptions.Panicf(`invalid "diffusion_pool" setting %q: valid values are mean or max`, poolType)
	}
	c.NanLogger.TraceFirstNaN(x)
	return x, skips
}

// upSample2x doubles the spatial dimensions of images, repeating each pixel.
func upSample2x(images *Node) *Node {
	shape := images.Shape()
	batchSize := shape.Dimensions[0]
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	numChannels := shape.Dimensions[3]
	upSampled := Concatenate([]*Node{images, images}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, numChannels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	upSampled = Reshape(upSampled, batchSize, 2*height, 2*width, numChannels)
	return upSampled
}

// upBlock is the counterpart to downBlock: it up-samples x back to double the
// spatial size and consumes one skip connection per residual block.
func (c *Config) upBlock(ctx *context.Context, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	x = upSample2x(x)
	for ii := 0; ii < numBlocks; ii++ {
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = c.residualBlock(ctx.Inf("%03d-residual", ii), x, outputChannels)
	}
	c.NanLogger.TraceFirstNaN(x)
	return x, skips
}

// UNetModelGraph builds the U-Net that predicts the noise in noisyImages.
//
// Parameters:
//   - noisyImages: shaped [batchSize, size, size, channels=3], in the model range [-1, 1].
//   - stepNums: the diffusion step of each example, shaped [batchSize], of an integer dtype.
//   - classIDs: the CIFAR-10 class of each example, shaped [batchSize], Int32.
//
// The step numbers enter the model as the rows of the Config.StepEncoder
// table, and the classes through a learned embedding; both are concatenated
// to every spatial position at the start of each down block.
//
// Hyperparameters in ctx: "diffusion_channels_list" sets the number of
// channels at each spatial resolution (the image is pooled by a factor of 2
// between them), and "diffusion_num_residual_blocks" the number of residual
// blocks per resolution.
func (c *Config) UNetModelGraph(ctx *context.Context, noisyImages, stepNums, classIDs *Node) *Node {
	dtype := noisyImages.DType()
	ctx = ctx.In(UNetModelScope).WithInitializer(initializers.XavierNormalFn(ctx))

	// nextCtx returns a new context prefixed with a counter, to give a nice ordering to the variables.
	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}

	batchSize := noisyImages.Shape().Dimensions[0]
	imgSize := noisyImages.Shape().Dimensions[1]
	imageChannels := noisyImages.Shape().Dimensions[3]
	noisyImages.AssertDims(batchSize, imgSize, imgSize, imageChannels)
	stepNums.AssertDims(batchSize)
	classIDs.AssertDims(batchSize)

	numChannelsList := context.GetParamOr(ctx, "diffusion_channels_list", []int{32, 64, 96})
	numBlocks := context.GetParamOr(ctx, "diffusion_num_residual_blocks", 2)

	// Step number embedding, shaped [batchSize, 1, 1, embedDims].
	stepEmbed := c.StepEncoder.EmbedGraph(InsertAxes(stepNums, -1, -1))
	stepEmbed = ConvertDType(stepEmbed, dtype)
	contextFeatures := stepEmbed
	c.NanLogger.TraceFirstNaN(stepEmbed, "UNetModelGraph:stepEmbed")

	// Class embedding.
	classEmbedSize := context.GetParamOr(ctx, "class_embed_size", 8)
	if classEmbedSize > 0 {
		expandedIDs := InsertAxes(classIDs, -1, -1, -1)
		classEmbed := layers.Embedding(
			nextCtx("ClassEmbeddings").WithInitializer(initializers.RandomNormalFn(ctx, 1.0/float64(classEmbedSize))),
			expandedIDs, dtype, cifar10.NumClasses, classEmbedSize, false)
		c.NanLogger.TraceFirstNaN(classEmbed, "UNetModelGraph:classEmbed")
		contextFeatures = Concatenate([]*Node{contextFeatures, classEmbed}, -1)
	}

	// Adjust imageChannels to the initial number of channels.
	x := noisyImages
	x = layers.Dense(nextCtx("StartingChannelsProjection"), x, true, numChannelsList[0])

	// Downward: pool the image to progressively smaller sizes, keeping the
	// skips stack to connect them on the way up.
	skips := make([]*Node, 0, numBlocks*len(numChannelsList))
	for ii, numChannels := range numChannelsList {
		x = concatContextFeatures(x, contextFeatures)
		x, skips = c.downBlock(nextCtx("DownBlock_%d", ii), x, skips, numBlocks, numChannels)
	}

	// Innermost part of the model: smallest spatial shape, largest embedding size.
	lastNumChannels := xslices.Last(numChannelsList)
	for ii := range numBlocks {
		x = c.residualBlock(nextCtx("IntermediaryBlock-%02d", ii), x, lastNumChannels)
	}

	// Upward: up-sample the image back to the original size, one block at a time.
	for ii := range numChannelsList {
		numChannels := numChannelsList[len(numChannelsList)-(ii+1)]
		x, skips = c.upBlock(nextCtx("UpBlock_%d", ii), x, skips, numBlocks, numChannels)
	}
	if len(skips) != 0 {
		exceptions.Panicf("ended with %d skip connections not accounted for", len(skips))
	}

	// Output initialized to 0, which is the mean of the target.
	x = layers.DenseWithBias(nextCtx("Readout").WithInitializer(initializers.Zero), x, imageChannels)
	c.NanLogger.TraceFirstNaN(x, "UNetModelGraph:readout")
	return x
}

// Denoise runs the U-Net to predict the noise present in noisyImages.
//
// If "use_ema" is set and not training, the exponential moving average copy
// of the weights is used instead. During training, if "diffusion_ema" > 0,
// the moving average copy is updated.
func (c *Config) Denoise(ctx *context.Context, noisyImages, stepNums, classIDs *Node) (predictedNoises *Node) {
	g := noisyImages.Graph()
	modelCtx := ctx
	useEMA := context.GetParamOr(ctx, "use_ema", false)
	if useEMA && !ctx.IsTraining(g) {
		modelCtx = ctx.In("ema")
	}
	predictedNoises = c.UNetModelGraph(modelCtx, noisyImages, stepNums, classIDs)

	emaCoef := context.GetParamOr(ctx, "diffusion_ema", 0.0)
	if ctx.IsTraining(g) && emaCoef > 0 {
		// Update the moving average copy of all U-Net variables.
		prefixScope := ctx.Scope()
		emaCtx := ctx.In("ema").WithInitializer(initializers.Zero).Checked(false)
		newPrefixScope := emaCtx.Scope()
		ctx.In(UNetModelScope).EnumerateVariablesInScope(func(v *context.Variable) {
			if !strings.HasPrefix(v.Scope(), prefixScope) {
				exceptions.Panicf("unexpected variable %q in scope %q", v.Name(), v.Scope())
			}
			suffix := v.Scope()[len(prefixScope):]
			if !strings.HasPrefix(suffix, context.ScopeSeparator) {
				suffix = context.ScopeSeparator + suffix
			}
			emaVar := emaCtx.InAbsPath(newPrefixScope+suffix).VariableWithShape(v.Name(), v.Shape())
			emaValue := Add(
				MulScalar(emaVar.ValueGraph(g), emaCoef),
				MulScalar(v.ValueGraph(g), 1.0-emaCoef))
			emaVar.SetValueGraph(emaValue)
		})
	}
	return
}
