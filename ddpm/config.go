// Package ddpm implements a denoising diffusion probabilistic model (DDPM)
// trained to generate CIFAR-10 images, conditioned on the image class.
//
// The forward process corrupts an image x0 over a fixed number of steps,
// following the noise rates of a schedule.Schedule:
//
//	x_t = sqrt(Alpha[t])*x0 + sqrt(1-Alpha[t])*noise
//
// A U-Net model is trained to predict the noise given x_t, the step number t
// and the image class. Sampling starts from pure noise and applies the model
// once per step, walking the schedule backwards. See TrainModel and
// ImagesGenerator.
//
// All hyperparameters live in the context, see CreateDefaultContext. Device
// selection is explicit: every entry point takes the backends.Backend to run
// on, nothing is picked up from the environment.
package ddpm

import (
	"os"

	"github.com/gomlx/ddpm/cifar10"
	"github.com/gomlx/ddpm/schedule"
	"github.com/gomlx/ddpm/timestep"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// ParamsExcludedFromLoading lists hyperparameters that should never be loaded
// from a model checkpoint: they only make sense for the current invocation.
//
// They are appended to the settings given in the command line with -set.
var ParamsExcludedFromLoading = []string{
	"data_dir", "train_steps", "plots", "nan_logger",
}

// CreateDefaultContext creates a context with the default hyperparameters
// for TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":          100_000,
		"num_checkpoints":      5,
		"checkpoint_frequency": "3m", // How often to save checkpoints. See time.ParseDuration.

		// batch_size for training; eval_batch_size can be larger, it's more efficient.
		"batch_size":      64,
		"eval_batch_size": 128,

		// dtype of the model.
		"dtype": "float32",

		// samples_during_training is the number of images generated from fixed
		// noise at exponentially spaced training steps, to monitor progress.
		"samples_during_training":                  64,
		"samples_during_training_frequency":        200,
		"samples_during_training_frequency_growth": 1.2,

		// rng_reset resets the random number generator state with a new random
		// value -- useful when continuing training.
		"rng_reset": true,

		// Debugging: add a NanLogger to help find where NaNs appear in the model.
		"nan_logger": false,

		// Noise schedule:
		schedule.ParamPolicy:     "sine",
		schedule.ParamSteps:      50,
		schedule.ParamBetaStart:  1e-4,
		schedule.ParamBetaEnd:    0.2,
		schedule.ParamGammaStart: 0.0,
		schedule.ParamGammaEnd:   0.1,

		// Diffusion model:
		"huber_delta":                   0.2, // If "huber" loss is selected, the delta after which the loss becomes linear.
		"diffusion_num_residual_blocks": 2,   // Number of residual blocks per image size in the U-Net model.
		"diffusion_channels_list":       []int{32, 64, 96},
		"diffusion_pool":                "mean", // Values are: "mean" or "max".
		"diffusion_ema":                 0.999,  // Exponential moving average of the model weights. Set to <= 0 to disable.
		"use_ema":                       false,  // If set, use the moving average weights for evaluation and sampling.

		// Conditioning:
		"step_embed_size":  30, // Length of the sinusoidal step number embedding. Odd values are rounded up.
		"class_embed_size": 8,  // If > 0, use an embedding of the image class of the given dimension.

		layers.ParamNormalization: "layer",

		losses.ParamLoss:                "mse", // "mse", "mae" or "huber".
		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		optimizers.ParamAdamWeightDecay: 1e-4,
		activations.ParamActivation:     "swish",
		layers.ParamDropoutRate:         0.1,
		regularizers.ParamL2:            0.0,
		regularizers.ParamL1:            0.0,

		optimizers.ParamLearningRate:        1e-3,
		cosineschedule.ParamPeriodSteps:     0, // If > 0, period of the cosine learning rate schedule. Typically the same value as "train_steps".
		cosineschedule.ParamMinLearningRate: 1e-5,

		// "plots" generates intermediary eval data for plotting, and if running
		// in GoNB, actually draws the plot with Plotly.
		plotly.ParamPlots: true,
	})
	return ctx
}

// Config holds the configuration shared by the training and sampling entry
// points. Create it with NewConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually at the root scope.

	// DataDir is where the dataset is downloaded, and models are saved.
	DataDir string

	// ParamsSet are hyperparameters overridden in the command line, which
	// should not be loaded from the checkpoint (see commandline.ParseContextSettings).
	ParamsSet []string

	DType                    dtypes.DType
	ImageSize                int
	BatchSize, EvalBatchSize int

	// Schedule with the noise rates, built from the context hyperparameters.
	Schedule *schedule.Schedule

	// StepEncoder translates step numbers to their embedding vectors.
	StepEncoder *timestep.Encoder

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler

	// RunID identifies this model run. It is assigned on the first
	// AttachCheckpoint of a new model directory and persisted there.
	RunID string

	// NanLogger is enabled by setting the hyperparameter "nan_logger=true".
	NanLogger *nanlogger.NanLogger
}

// NewConfig creates a Config from the context hyperparameters. It panics on
// invalid settings, with an error that explains the problem.
//
// paramsSet are hyperparameters overridden in the command line, which should
// not be loaded from a checkpoint.
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) *Config {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	dtypeName := context.GetParamOr(ctx, "dtype", "float32")
	dtype, found := dtypes.MapOfNames[dtypeName]
	if !found {
		panic(errors.Errorf("unknown dtype %q given in hyperparameter \"dtype\"", dtypeName))
	}
	sched := must.M1(schedule.FromContext(ctx))
	embedSize := context.GetParamOr(ctx, "step_embed_size", 30)
	encoder := must.M1(timestep.New(sched.Len(), embedSize))
	cfg := &Config{
		Backend:       backend,
		Context:       ctx,
		DataDir:       dataDir,
		ParamsSet:     paramsSet,
		DType:         dtype,
		ImageSize:     cifar10.Width,
		BatchSize:     context.GetParamOr(ctx, "batch_size", 64),
		EvalBatchSize: context.GetParamOr(ctx, "eval_batch_size", 128),
		Schedule:      sched,
		StepEncoder:   encoder,
	}
	if context.GetParamOr(ctx, "nan_logger", false) {
		cfg.NanLogger = nanlogger.New()
	}
	return cfg
}
