// Package cifar10 downloads, parses and serves the CIFAR-10 dataset
// (https://www.cs.toronto.edu/~kriz/cifar.html) as in-memory datasets usable
// with train.Trainer.
//
// Images are returned as float tensors shaped [numExamples, 32, 32, 3] with
// values scaled to [0, 1], and class ids as Int32 tensors shaped
// [numExamples].
package cifar10

import (
	"os"
	"path"
	"sync"

	"github.com/gomlx/ddpm/downloader"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

const (
	URL      = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	TarName  = "cifar-10-binary.tar.gz"
	SubDir   = "cifar-10-batches-bin"
	checksum = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	// NumExamples is the total number of examples: the first NumTrainExamples
	// are the training partition, the last NumTestExamples the test partition.
	NumExamples      = 60000
	NumTrainExamples = 50000
	NumTestExamples  = 10000

	// Width, Height and Depth are the dimensions of each image.
	Width  = 32
	Height = 32
	Depth  = 3

	// NumClasses is the number of image classes. Class ids index Names.
	NumClasses = 10

	examplesPerFile = 10000
	imageSizeBytes  = Height * Width * Depth
)

// Names of the classes, indexed by class id.
var Names = []string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck"}

// Download fetches and extracts the dataset under baseDir, if not already
// there. The tarball checksum is always validated.
func Download(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(URL, baseDir, TarName, SubDir, checksum)
}

// Partition selects the train or test subset of the dataset.
type Partition int

const (
	Train Partition = iota
	Test
)

// imagesAndLabels holds the parsed tensors of one partition.
type imagesAndLabels struct {
	images, labels *tensors.Tensor
}

var (
	muCache sync.Mutex
	cache   = make(map[dtypes.DType][2]imagesAndLabels)
)

// dataFiles lists the binary batch files, in example order.
var dataFiles = []string{
	"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin",
	"data_batch_4.bin", "data_batch_5.bin", "test_batch.bin"}

// load parses all binary batch files into an images tensor shaped
// [NumExamples, Height, Width, Depth] of the given dtype, scaled to [0, 1],
// and a labels tensor shaped [NumExamples] of Int32.
func load(baseDir string, dtype dtypes.DType) (images, labels *tensors.Tensor, err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	images = tensors.FromShape(shapes.Make(dtype, NumExamples, Height, Width, Depth))
	labels = tensors.FromShape(shapes.Make(dtypes.Int32, NumExamples))
	tensors.MustMutableFlatData(labels, func(labelsData []int32) {
		var record [imageSizeBytes + 1]byte
		for fileIdx, fileName := range dataFiles {
			dataFile := path.Join(baseDir, SubDir, fileName)
			var f *os.File
			f, err = os.Open(dataFile)
			if err != nil {
				err = errors.Wrapf(err, "failed to open data file %q", dataFile)
				return
			}
			for inFileIdx := 0; inFileIdx < examplesPerFile; inFileIdx++ {
				exampleIdx := fileIdx*examplesPerFile + inFileIdx
				var bytesRead int
				bytesRead, err = f.Read(record[:])
				if err != nil {
					err = errors.Wrapf(err, "failed to read example %d from %q", inFileIdx, dataFile)
					_ = f.Close()
					return
				}
				if bytesRead != len(record) {
					err = errors.Errorf("read %d bytes of example %d from %q, wanted %d",
						bytesRead, inFileIdx, dataFile, len(record))
					_ = f.Close()
					return
				}
				labelsData[exampleIdx] = int32(record[0])
				switch dtype {
				case dtypes.Float32:
					copyImage[float32](record[1:], images, exampleIdx)
				case dtypes.Float64:
					copyImage[float64](record[1:], images, exampleIdx)
				default:
					err = errors.Errorf("dtype %s not supported, only Float32 and Float64", dtype)
					_ = f.Close()
					return
				}
			}
			if err = f.Close(); err != nil {
				err = errors.Wrapf(err, "failed to close %q", dataFile)
				return
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return images, labels, nil
}

// copyImage writes one raw example into position exampleIdx of the images
// tensor, converting the channel-major bytes to HWC floats in [0, 1].
func copyImage[T dtypes.GoFloat](raw []byte, images *tensors.Tensor, exampleIdx int) {
	tensors.MustMutableFlatData(images, func(data []T) {
		pos := exampleIdx * imageSizeBytes
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				for d := 0; d < Depth; d++ {
					data[pos] = T(raw[d*(Height*Width)+h*Width+w]) / T(255)
					pos++
				}
			}
		}
	})
}

// loadPartitions downloads (if needed), parses and partitions the dataset,
// caching the result per dtype so that multiple datasets share the tensors.
func loadPartitions(backend backends.Backend, baseDir string, dtype dtypes.DType) ([2]imagesAndLabels, error) {
	muCache.Lock()
	defer muCache.Unlock()
	if parts, found := cache[dtype]; found {
		return parts, nil
	}
	if err := Download(baseDir); err != nil {
		return [2]imagesAndLabels{}, err
	}
	images, labels, err := load(baseDir, dtype)
	if err != nil {
		return [2]imagesAndLabels{}, err
	}
	// Split on device and free the full tensors immediately.
	defer images.MustFinalizeAll()
	defer labels.MustFinalizeAll()
	split := MustExecOnceN(backend, func(images, labels *Node) []*Node {
		return []*Node{
			Slice(images, AxisRange(0, NumTrainExamples)),
			Slice(labels, AxisRange(0, NumTrainExamples)),
			Slice(images, AxisRange(NumTrainExamples)),
			Slice(labels, AxisRange(NumTrainExamples)),
		}
	}, images, labels)
	parts := [2]imagesAndLabels{
		{images: split[0], labels: split[1]},
		{images: split[2], labels: split[3]},
	}
	cache[dtype] = parts
	return parts, nil
}

// ResetCache drops the parsed tensors cached by NewDataset.
func ResetCache() {
	muCache.Lock()
	defer muCache.Unlock()
	cache = make(map[dtypes.DType][2]imagesAndLabels)
}

// NewDataset creates an in-memory dataset over one partition of CIFAR-10,
// downloading and parsing the data if needed. Each yielded example has two
// inputs, the image and its class id, and the class id again as label.
//
// The returned dataset is sequential and reads the full partition once; use
// its Shuffle, Infinite and BatchSize methods to configure it for training.
func NewDataset(backend backends.Backend, name, baseDir string, dtype dtypes.DType, partition Partition) (*datasets.InMemoryDataset, error) {
	if partition != Train && partition != Test {
		return nil, errors.Errorf("invalid partition %d, only Train or Test accepted", partition)
	}
	parts, err := loadPartitions(backend, baseDir, dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load CIFAR-10 from %q", baseDir)
	}
	part := parts[partition]
	ds, err := datasets.InMemoryFromData(backend, name,
		[]any{part.images, part.labels}, []any{part.labels})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build dataset %q", name)
	}
	return ds, nil
}
