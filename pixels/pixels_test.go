package pixels

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestToUnitRange(t *testing.T) {
	in := []float32{-3, -1, -0.5, 0, 0.5, 1, 3}
	got := ToUnitRange(in)
	assert.InDeltaSlice(t, []float32{0, 0, 0.25, 0.5, 0.75, 1, 1}, got, 1e-6)
	assert.Equal(t, float32(-3), in[0], "input slice must not be modified")

	// Round trip within [-1, 1] recovers the original values.
	back := FromUnitRange(got)
	assert.InDeltaSlice(t, []float64{-1, -1, -0.5, 0, 0.5, 1, 1},
		ToUnitRange(FromUnitRange([]float64{-1, -1, -0.5, 0, 0.5, 1, 1})), 1e-9)
	assert.InDeltaSlice(t, []float32{-1, -1, -0.5, 0, 0.5, 1, 1}, back, 1e-6)
}

func TestTensorConversions(t *testing.T) {
	in := tensors.FromValue([][]float32{{-2, 0}, {0.5, 1}})
	got, err := ToUnitRangeTensor(in)
	require.NoError(t, err)
	require.NoError(t, got.Shape().Check(dtypes.Float32, 2, 2))
	assert.Equal(t, [][]float32{{0, 0.5}, {0.75, 1}}, got.Value())

	in64 := tensors.FromValue([]float64{0, 0.25, 1})
	got, err = FromUnitRangeTensor(in64)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, -0.5, 1}, got.Value())

	_, err = ToUnitRangeTensor(tensors.FromValue([]int32{1, 2}))
	require.ErrorIs(t, err, ErrNonFloatInput)
	_, err = FromUnitRangeTensor(tensors.FromValue([]int32{1, 2}))
	require.ErrorIs(t, err, ErrNonFloatInput)
}

func TestGraphConversions(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := MustExecOnce(backend, func(g *Graph) *Node {
		return ToUnitRangeGraph(Const(g, []float32{-3, -1, 0, 1, 3}))
	})
	assert.InDeltaSlice(t, []float32{0, 0, 0.5, 1, 1}, got.Value(), 1e-6)

	got = MustExecOnce(backend, func(g *Graph) *Node {
		return FromUnitRangeGraph(Const(g, []float32{0, 0.25, 0.5, 1}))
	})
	assert.InDeltaSlice(t, []float32{-1, -0.5, 0, 1}, got.Value(), 1e-6)
}
