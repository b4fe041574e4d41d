package timestep

import (
	"bytes"
	"encoding/gob"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestNew(t *testing.T) {
	const maxSteps, maxDims = 16, 6
	e, err := New(maxSteps, maxDims)
	require.NoError(t, err)
	require.Equal(t, maxSteps, e.MaxSteps())
	require.Equal(t, maxDims, e.MaxDims())
	require.NoError(t, e.Table().Shape().Check(dtypes.Float64, maxSteps, maxDims))

	table := e.Table().Value().([][]float64)
	for _, step := range []int{0, 1, 7, maxSteps - 1} {
		for i := 0; i < maxDims/2; i++ {
			angle := float64(step) / math.Pow(10000, float64(2*i)/maxDims)
			assert.InDelta(t, math.Sin(angle), table[step][2*i], 1e-12, "sin at step %d, pair %d", step, i)
			assert.InDelta(t, math.Cos(angle), table[step][2*i+1], 1e-12, "cos at step %d, pair %d", step, i)
		}
	}

	// Row 0 is sin(0)=0, cos(0)=1 interleaved.
	assert.InDeltaSlice(t, []float64{0, 1, 0, 1, 0, 1}, table[0], 1e-12)

	// The table is deterministic: a second encoder is bit-identical.
	e2, err := New(maxSteps, maxDims)
	require.NoError(t, err)
	assert.Equal(t, e.Table().Value(), e2.Table().Value())

	_, err = New(0, maxDims)
	require.Error(t, err)
	_, err = New(maxSteps, -2)
	require.Error(t, err)
}

func TestOddDimsRoundedUp(t *testing.T) {
	e, err := New(8, 5)
	require.NoError(t, err)
	assert.Equal(t, 6, e.MaxDims(), "odd embedding sizes round up to the next even number")
	require.NoError(t, e.Table().Shape().Check(dtypes.Float64, 8, 6))

	// The rounded-up size is also the one used in the angle denominator.
	table := e.Table().Value().([][]float64)
	angle := 3.0 / math.Pow(10000, 2.0/6.0)
	assert.InDelta(t, math.Sin(angle), table[3][2], 1e-12)
}

func TestEmbed(t *testing.T) {
	e, err := New(10, 4)
	require.NoError(t, err)

	embedded, err := e.Embed(0, 3, 9)
	require.NoError(t, err)
	require.NoError(t, embedded.Shape().Check(dtypes.Float64, 3, 4))
	rows := embedded.Value().([][]float64)
	table := e.Table().Value().([][]float64)
	assert.Equal(t, table[0], rows[0])
	assert.Equal(t, table[3], rows[1])
	assert.Equal(t, table[9], rows[2])

	_, err = e.Embed(10)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = e.Embed(3, -1)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestEmbedGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	e, err := New(12, 4)
	require.NoError(t, err)

	got := MustExecOnce(backend, func(g *Graph) *Node {
		stepNums := Const(g, []int32{0, 5, 11})
		return e.EmbedGraph(stepNums)
	})
	require.NoError(t, got.Shape().Check(dtypes.Float64, 3, 4))

	want, err := e.Embed(0, 5, 11)
	require.NoError(t, err)
	assert.Equal(t, want.Value(), got.Value())
}

func TestGob(t *testing.T) {
	e, err := New(20, 7)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(e))
	var decoded Encoder
	require.NoError(t, gob.NewDecoder(&buf).Decode(&decoded))

	assert.Equal(t, e.MaxSteps(), decoded.MaxSteps())
	assert.Equal(t, e.MaxDims(), decoded.MaxDims())
	assert.Equal(t, e.Table().Value(), decoded.Table().Value())
}
