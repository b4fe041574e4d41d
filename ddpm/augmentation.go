package ddpm

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// AugmentImages applies random augmentations if the context is set to
// training, otherwise it's a no-op. It takes a batch of images shaped
// [batchSize, height, width, channels] and returns an augmented batch with
// the exact same shape.
//
// CIFAR-10 classes are all symmetric under horizontal mirroring, so each
// image is flipped left-to-right 50% of the time.
func AugmentImages(ctx *context.Context, images *Node) *Node {
	g := images.Graph()
	if !ctx.IsTraining(g) {
		return images
	}
	batchSize := images.Shape().Dim(0)
	return Where(
		ctx.RandomBernoulli(Const(g, 0.5), shapes.Make(dtypes.Bool, batchSize)),
		images,
		Reverse(images, 2 /* width axis */))
}
