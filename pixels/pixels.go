// Package pixels converts image pixel values between the two ranges used by
// the diffusion pipeline:
//
//   - The model range [-1, 1], centered at zero, in which the model sees and
//     produces images.
//   - The unit range [0, 1], used for display and file encoding.
//
// ToUnitRange maps model range to unit range, clamping anything the sampler
// pushed outside [-1, 1]. FromUnitRange is the inverse, without clamping.
// Each conversion comes in three flavors: for Go slices, for tensors and for
// graph nodes.
package pixels

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// ErrNonFloatInput is returned by the tensor conversions when given a tensor
// whose dtype is not Float32 or Float64.
var ErrNonFloatInput = errors.New("pixel conversion requires a float tensor")

// ToUnitRange maps pixel values from the model range [-1, 1] to the unit
// range [0, 1], clamping values that fall outside it. It returns a new slice,
// the input is left unchanged.
func ToUnitRange[T constraints.Float](pixels []T) []T {
	out := make([]T, len(pixels))
	for i, v := range pixels {
		v = v/2 + 0.5
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		out[i] = v
	}
	return out
}

// FromUnitRange maps pixel values from the unit range [0, 1] to the model
// range [-1, 1]. It returns a new slice, the input is left unchanged.
func FromUnitRange[T constraints.Float](pixels []T) []T {
	out := make([]T, len(pixels))
	for i, v := range pixels {
		out[i] = v*2 - 1
	}
	return out
}

// ToUnitRangeTensor is ToUnitRange on a tensor of any shape. The result has
// the same shape and dtype. It returns ErrNonFloatInput for non-float dtypes.
func ToUnitRangeTensor(t *tensors.Tensor) (*tensors.Tensor, error) {
	return convertTensor(t, ToUnitRange[float32], ToUnitRange[float64])
}

// FromUnitRangeTensor is FromUnitRange on a tensor of any shape. The result
// has the same shape and dtype. It returns ErrNonFloatInput for non-float
// dtypes.
func FromUnitRangeTensor(t *tensors.Tensor) (*tensors.Tensor, error) {
	return convertTensor(t, FromUnitRange[float32], FromUnitRange[float64])
}

func convertTensor(t *tensors.Tensor,
	conv32 func([]float32) []float32, conv64 func([]float64) []float64) (*tensors.Tensor, error) {
	dims := t.Shape().Dimensions
	var out *tensors.Tensor
	switch t.DType() {
	case dtypes.Float32:
		tensors.MustConstFlatData(t, func(flat []float32) {
			out = tensors.FromFlatDataAndDimensions(conv32(flat), dims...)
		})
	case dtypes.Float64:
		tensors.MustConstFlatData(t, func(flat []float64) {
			out = tensors.FromFlatDataAndDimensions(conv64(flat), dims...)
		})
	default:
		return nil, errors.Wrapf(ErrNonFloatInput, "got dtype %s", t.DType())
	}
	return out, nil
}

// ToUnitRangeGraph is ToUnitRange as a graph operation.
func ToUnitRangeGraph(x *Node) *Node {
	return ClipScalar(AddScalar(DivScalar(x, 2), 0.5), 0, 1)
}

// FromUnitRangeGraph is FromUnitRange as a graph operation.
func FromUnitRangeGraph(x *Node) *Node {
	return AddScalar(MulScalar(x, 2), -1)
}
