// ddpm trains a class-conditioned denoising diffusion model on CIFAR-10 and
// samples images from it.
//
// Train (and continue training) a model:
//
//	ddpm -checkpoint=base -set="train_steps=100000;batch_size=64"
//
// Generate 16 images of frogs from a trained model:
//
//	ddpm -checkpoint=base -generate=16 -class=frog -output=/tmp/frogs
package main

import (
	"flag"
	"fmt"
	"image/png"
	"os"
	"path"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/ddpm/cifar10"
	"github.com/gomlx/ddpm/ddpm"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/cifar10-ddpm", "Directory to cache the downloaded dataset and store models.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the validation data at the end of training.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagGenerate = flag.Int("generate", 0, "If > 0, skip training and instead generate this many images from the checkpointed model.")
	flagClass    = flag.String("class", "", "Class of the generated images, one of the CIFAR-10 classes (e.g. \"cat\"). If empty, classes are sampled randomly.")
	flagOutput   = flag.String("output", ".", "Directory where to save the generated images.")
	flagUpscale  = flag.Int("upscale", 4, "Up-scaling factor for saved images: CIFAR-10 images are tiny (32x32).")
)

func main() {
	ctx := ddpm.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	backend := backends.MustNew()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	config := ddpm.NewConfig(backend, ctx, *flagDataDir, paramsSet)

	err := exceptions.TryCatch[error](func() {
		if *flagGenerate > 0 {
			generate(config)
		} else {
			ddpm.TrainModel(config, *flagCheckpoint, *flagEval, *flagVerbosity)
		}
		if *flagVerbosity >= 1 {
			printSummary(config)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// generate samples images from a checkpointed model and saves them as PNGs.
func generate(config *ddpm.Config) {
	if *flagCheckpoint == "" {
		klog.Exitf("Generating images requires a trained model, set -checkpoint.")
	}
	checkpoint, _, _ := config.AttachCheckpoint(*flagCheckpoint)
	if has := check1(checkpoint.HasCheckpoints()); !has {
		klog.Exitf("Model in %q has no checkpoints saved yet, train it first.", checkpoint.Dir())
	}

	numImages := *flagGenerate
	noise := config.GenerateNoise(numImages)
	classIDs := config.GenerateClassIDs(numImages)
	className := strings.TrimSpace(*flagClass)
	if className != "" {
		classID := classNameToID(className)
		ids := make([]int32, numImages)
		for ii := range ids {
			ids[ii] = classID
		}
		classIDs = tensors.FromValue(ids)
	}

	generator := ddpm.NewImagesGenerator(config, noise, classIDs)
	imagesT := generator.Generate()
	images := timage.ToImage().MaxValue(255.0).Batch(imagesT)

	outputDir := fsutil.MustReplaceTildeInDir(*flagOutput)
	check(os.MkdirAll(outputDir, 0777))
	size := config.ImageSize * max(*flagUpscale, 1)
	for ii, img := range images {
		upscaled := imaging.Resize(img, size, size, imaging.NearestNeighbor)
		imgPath := path.Join(outputDir, fmt.Sprintf("generated_%03d.png", ii))
		f := check1(os.Create(imgPath))
		check(png.Encode(f, upscaled))
		check(f.Close())
	}
	fmt.Printf("Saved %d generated images to %s\n", len(images), outputDir)
}

// classNameToID resolves a CIFAR-10 class name to its id.
func classNameToID(name string) int32 {
	for ii, className := range cifar10.Names {
		if name == className {
			return int32(ii)
		}
	}
	klog.Exitf("Unknown class %q, valid classes are: %s", name, strings.Join(cifar10.Names, ", "))
	return -1
}

var summaryStyle = lipgloss.NewStyle().
	Border(lipgloss.NormalBorder()).
	Padding(1, 4, 1, 4).
	Width(60)

// printSummary prints a box with the model's vital numbers.
func printSummary(config *ddpm.Config) {
	ctx := config.Context
	lines := []string{
		fmt.Sprintf("Backend:         %s", config.Backend.Name()),
		fmt.Sprintf("Model dtype:     %s", config.DType),
		fmt.Sprintf("Diffusion steps: %d", config.Schedule.Len()),
		fmt.Sprintf("Step embedding:  %d dimensions", config.StepEncoder.MaxDims()),
		fmt.Sprintf("Parameters:      %s", humanize.Comma(int64(ctx.NumParameters()))),
		fmt.Sprintf("Model memory:    %s", humanize.IBytes(uint64(ctx.Memory()))),
	}
	if config.RunID != "" {
		lines = append(lines, fmt.Sprintf("Run id:          %s", config.RunID))
	}
	fmt.Println(summaryStyle.Render(strings.Join(lines, "\n")))
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
