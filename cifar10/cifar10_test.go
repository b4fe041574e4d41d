package cifar10

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestCopyImage(t *testing.T) {
	// Raw examples store all red values, then all green, then all blue, each
	// plane in row-major order. The parsed tensor interleaves the channels.
	raw := make([]byte, imageSizeBytes)
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			raw[0*(Height*Width)+h*Width+w] = byte(h)
			raw[1*(Height*Width)+h*Width+w] = byte(w)
			raw[2*(Height*Width)+h*Width+w] = 255
		}
	}

	images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, Height, Width, Depth))
	copyImage[float32](raw, images, 1)

	pixels := images.Value().([][][][]float32)
	for _, hw := range [][2]int{{0, 0}, {3, 7}, {Height - 1, Width - 1}} {
		h, w := hw[0], hw[1]
		assert.InDelta(t, float32(h)/255, pixels[1][h][w][0], 1e-6)
		assert.InDelta(t, float32(w)/255, pixels[1][h][w][1], 1e-6)
		assert.InDelta(t, float32(1), pixels[1][h][w][2], 1e-6)
		// Example 0 was never written.
		assert.Zero(t, pixels[0][h][w][0])
	}
}

func TestNewDatasetInvalidPartition(t *testing.T) {
	_, err := NewDataset(nil, "invalid", "/tmp", dtypes.Float32, Partition(7))
	require.Error(t, err)
}

func TestNewDataset(t *testing.T) {
	if testing.Short() {
		fmt.Println("TestNewDataset skipped with go test -short: it downloads the dataset.")
		return
	}
	backend := graphtest.BuildTestBackend()
	baseDir := t.TempDir()

	train, err := NewDataset(backend, "train", baseDir, dtypes.Float32, Train)
	require.NoError(t, err)
	require.Equal(t, NumTrainExamples, train.NumExamples())

	test, err := NewDataset(backend, "test", baseDir, dtypes.Float32, Test)
	require.NoError(t, err)
	require.Equal(t, NumTestExamples, test.NumExamples())

	_, inputs, labels, err := train.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, labels, 1)
	require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, Height, Width, Depth))
	require.NoError(t, inputs[1].Shape().Check(dtypes.Int32))
	require.NoError(t, labels[0].Shape().Check(dtypes.Int32))
	ResetCache()
}
