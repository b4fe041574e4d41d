package ddpm

import (
	"fmt"
	"path"
	"time"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// BuildTrainingModelGraph returns the train.ModelFn for training and evaluation.
//
// For each example image x0, it samples a diffusion step t uniformly from
// the schedule, corrupts the image to
//
//	x_t = sqrt(Alpha[t])*x0 + sqrt(1-Alpha[t])*noise
//
// and has the U-Net predict the noise from (x_t, t, class). The loss between
// noise and prediction is returned as the second output; the first output are
// the recovered images (denormalized), and the third is the mean absolute
// error of the recovered images, reported as a metric.
func (c *Config) BuildTrainingModelGraph() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		images, classIDs := inputs[0], inputs[1]
		batchSize := images.Shape().Dimensions[0]
		dtype := c.DType

		images = AugmentImages(ctx, images)
		images = c.PreprocessImages(images)
		noises := ctx.RandomNormal(g, images.Shape())
		c.NanLogger.TraceFirstNaN(noises, "noises")

		// Cosine learning rate schedule, if enabled.
		cosineschedule.New(ctx, g, dtype).FromContext().Done()

		// Sample one diffusion step per example and mix the corresponding
		// amounts of signal and noise.
		stepNums := ctx.RandomIntN(g, c.Schedule.Len(), shapes.Make(dtypes.Int32, batchSize))
		_, alpha, _ := c.Schedule.Constants(g, dtype)
		alphaT := Reshape(Gather(alpha, InsertAxes(stepNums, -1)), batchSize, 1, 1, 1)
		signalRatios := Sqrt(alphaT)
		noiseRatios := Sqrt(OneMinus(alphaT))
		noisyImages := Add(
			Mul(images, signalRatios),
			Mul(noises, noiseRatios))
		noisyImages = StopGradient(noisyImages)
		c.NanLogger.TraceFirstNaN(noisyImages, "noisyImages")

		predictedNoises := c.Denoise(ctx, noisyImages, stepNums, classIDs)

		// Loss on the noise prediction, computed inside the model.
		lossFn := must.M1(losses.LossFromContext(ctx))
		noisesLoss := lossFn([]*Node{noises}, []*Node{predictedNoises})
		if !noisesLoss.IsScalar() {
			noisesLoss = ReduceAllMean(noisesLoss)
		}

		// Recover the images from the predicted noise, and report how far
		// they are from the originals.
		predictedImages := Div(
			Sub(noisyImages, Mul(predictedNoises, noiseRatios)),
			signalRatios)
		imagesLoss := losses.MeanAbsoluteError([]*Node{images}, []*Node{predictedImages})
		if !imagesLoss.IsScalar() {
			imagesLoss = ReduceAllMean(imagesLoss)
		}

		return []*Node{c.DenormalizeImages(predictedImages), noisesLoss, imagesLoss}
	}
}

// TrainModel trains the model up to the "train_steps" hyperparameter,
// continuing from the checkpoint if one was loaded. Verbosity levels: -1
// fully quiet, 0 progress bar only, 1 adds a summary, 2 adds all
// hyperparameter settings.
func TrainModel(config *Config, checkpointPath string, evaluateOnEnd bool, verbosity int) {
	ctx := config.Context
	backend := config.Backend
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	checkpoint, sampleNoise, sampleClassIDs := config.AttachCheckpoint(checkpointPath)
	if sampleNoise == nil {
		klog.Exitf("A checkpoint directory with -checkpoint is required for storing the evolution of some samples, none given")
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		ctx.ResetRNGState()
	}
	if verbosity >= 1 {
		for _, paramsPath := range config.ParamsSet {
			scope, name := context.SplitScope(paramsPath)
			if scope == "" {
				if value, found := ctx.GetParam(name); found {
					fmt.Printf("\t%s=%v\n", name, value)
				}
			} else {
				if value, found := ctx.InAbsPath(scope).GetParam(name); found {
					fmt.Printf("\tscope=%q %s=%v\n", scope, name, value)
				}
			}
		}
	}

	// Datasets for training and evaluation.
	trainDS, validationDS := config.CreateInMemoryDatasets()
	trainEvalDS := trainDS.Copy()
	trainDS.Shuffle().Infinite(true).BatchSize(config.BatchSize, true)
	trainEvalDS.BatchSize(config.EvalBatchSize, false)
	validationDS.BatchSize(config.EvalBatchSize, false)

	// Custom loss: the model returns the scalar loss as the second element of its predictions.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }

	imagesLossFn := func(ctx *context.Context, labels, predictions []*Node) *Node {
		return predictions[2]
	}
	pprintLossFn := func(t *tensors.Tensor) string {
		return fmt.Sprintf("%.3f", t.Value())
	}
	meanImagesLoss := metrics.NewMeanMetric(
		"Images Loss", "img_loss", "img_loss", imagesLossFn, pprintLossFn)
	movingImagesLoss := metrics.NewExponentialMovingAverageMetric(
		"Moving Images Loss", "~img_loss", "img_loss", imagesLossFn, pprintLossFn, 0.01)

	trainer := train.NewTrainer(
		backend, ctx, config.BuildTrainingModelGraph(), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingImagesLoss}, // trainMetrics
		[]metrics.Interface{meanImagesLoss})   // evalMetrics
	if config.NanLogger != nil {
		trainer.OnExecCreation(func(exec *context.Exec, _ train.GraphType) {
			config.NanLogger.AttachToExec(exec)
		})
	}

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Periodic checkpoint saving.
	if checkpoint != nil {
		period := must.M1(
			time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "3m")))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Plotly plots with evaluation points at exponentially spaced steps. The
	// points are saved along the checkpoint directory.
	var plotter *plotly.PlotConfig
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		plotter = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, validationDS).
			WithBatchNormalizationAveragesUpdate(trainEvalDS)
	}

	// Sample generator from fixed noise, to monitor the training evolution.
	generator := NewImagesGenerator(config, sampleNoise, sampleClassIDs)
	if plotter != nil {
		samplesFrequency := context.GetParamOr(ctx, "samples_during_training_frequency", 200)
		samplesFrequencyGrowth := context.GetParamOr(ctx, "samples_during_training_frequency_growth", 1.2)
		train.ExponentialCallback(loop, samplesFrequency, samplesFrequencyGrowth, true,
			"Monitor", 0, func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return trainingMonitor(checkpoint, loop, metrics, plotter, plotter.EvalDatasets, generator)
			})
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		fmt.Println("Starting training stage:")
		_, err := loop.RunSteps(trainDS, numTrainSteps-globalStep)
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if err != nil {
			if loop.LoopStep > loop.StartStep {
				klog.Infof("Debug checkpoint save before crashing at loop step %d", loop.LoopStep)
				errSave := checkpoint.Save()
				if errSave != nil {
					klog.Errorf("Error while saving checkpoint before crashing: %+v", errSave)
				}
			}
			klog.Fatalf("Error during training: %+v", err)
		}

		// Update batch normalization averages, if they are used.
		bnUpdated, err := batchnorm.UpdateAverages(trainer, trainEvalDS)
		if err != nil {
			klog.Exitf("Error while updating batch normalization averages: %+v", err)
		}
		if bnUpdated {
			fmt.Println("\tUpdated batch normalization mean/variances averages.")
			if checkpoint != nil {
				must.M(checkpoint.Save())
			}
		}
	} else {
		fmt.Printf("\t- target train_steps=%d already reached. To train further, set a number additional "+
			"to the current global step.\n", numTrainSteps)
	}

	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, trainEvalDS, validationDS))
	}
}

// trainingMonitor is called at exponentially spaced training steps: it saves
// a checkpoint, feeds the plotter and regenerates the sample images at the
// current step.
func trainingMonitor(checkpoint *checkpoints.Handler, loop *train.Loop, metrics []*tensors.Tensor,
	plotter stdplots.Plotter, evalDatasets []train.Dataset, generator *ImagesGenerator) error {
	if checkpoint == nil {
		// Only works if there is a model directory.
		return nil
	}
	must.M(checkpoint.Save())
	must.M(checkpoint.Backup()) // These checkpoints don't get automatically collected.
	must.M(stdplots.AddTrainAndEvalMetrics(plotter, loop, metrics, evalDatasets, evalDatasets[0]))

	sampledImages := generator.Generate()
	imagesPath := fmt.Sprintf("%s%07d.tensor", GeneratedSamplesPrefix, loop.LoopStep)
	imagesPath = path.Join(checkpoint.Dir(), imagesPath)
	must.M(sampledImages.Save(imagesPath))
	return nil
}
