package ddpm

import (
	"os"
	"path"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

const (
	// NoiseSamplesFile and ClassSamplesFile hold the fixed noise (and class
	// ids) from which sample images are generated during training, to observe
	// the model quality evolving.
	NoiseSamplesFile = "noise_samples.tensor"
	ClassSamplesFile = "class_samples.tensor"

	// GeneratedSamplesPrefix prefixes the image tensors saved by the training monitor.
	GeneratedSamplesPrefix = "generated_samples_"

	runIDFile = "run_id.txt"
	argsFile  = "args.txt"
)

// AttachCheckpoint attaches a checkpoint directory to the Config's context,
// so variables and hyperparameters are loaded from it (if it already has
// checkpoints) and saved to it.
//
// Relative checkpointPath values are taken relative to Config.DataDir. If
// checkpointPath is empty nothing is attached and all results are nil.
//
// For a new model directory it also:
//
//   - Assigns the model a fresh run id, saved in the directory.
//   - Saves a copy of the command line arguments. When reusing the model
//     later, mismatching arguments are reported with a warning.
//   - Creates the fixed noise and class id samples used to monitor training.
//
// It returns the checkpoint handler and the noise and class id samples.
func (c *Config) AttachCheckpoint(checkpointPath string) (checkpoint *checkpoints.Handler, sampleNoise, sampleClassIDs *tensors.Tensor) {
	if checkpointPath == "" {
		return
	}
	checkpointPath = fsutil.MustReplaceTildeInDir(checkpointPath)
	if !path.IsAbs(checkpointPath) {
		checkpointPath = path.Join(c.DataDir, checkpointPath)
	}
	numCheckpoints := context.GetParamOr(c.Context, "num_checkpoints", 5)
	checkpoint = must.M1(checkpoints.Build(c.Context).
		Dir(checkpointPath).
		Keep(numCheckpoints).
		ExcludeParams(append(c.ParamsSet, ParamsExcludedFromLoading...)...).
		Done())
	c.Checkpoint = checkpoint

	c.RunID = loadOrCreateRunID(checkpoint.Dir())
	klog.V(1).Infof("Model run id: %s", c.RunID)
	checkArgs(checkpoint.Dir())

	// Load or create the noise/class samples monitored during training.
	noisePath := path.Join(checkpoint.Dir(), NoiseSamplesFile)
	classIDsPath := path.Join(checkpoint.Dir(), ClassSamplesFile)
	var err error
	sampleNoise, err = tensors.Load(noisePath)
	if err == nil {
		sampleClassIDs, err = tensors.Load(classIDsPath)
		if err == nil {
			return
		}
	}
	if !os.IsNotExist(err) {
		must.M(err)
	}
	numSamples := context.GetParamOr(c.Context, "samples_during_training", 64)
	sampleNoise = c.GenerateNoise(numSamples)
	sampleClassIDs = c.GenerateClassIDs(numSamples)
	must.M(sampleNoise.Save(noisePath))
	must.M(sampleClassIDs.Save(classIDsPath))
	return
}

// loadOrCreateRunID reads the model's run id from its directory, creating and
// saving a new one for new models.
func loadOrCreateRunID(dir string) string {
	idPath := path.Join(dir, runIDFile)
	contents, err := os.ReadFile(idPath)
	if err == nil {
		return strings.TrimSpace(string(contents))
	}
	if !os.IsNotExist(err) {
		must.M(err)
	}
	runID := uuid.NewString()
	must.M(os.WriteFile(idPath, []byte(runID+"\n"), 0664))
	return runID
}

// checkArgs saves the command line arguments of new models, and warns about
// arguments that changed when reusing a model.
func checkArgs(dir string) {
	argsPath := path.Join(dir, argsFile)
	argsBytes, err := os.ReadFile(argsPath)
	if err != nil && os.IsNotExist(err) {
		must.M(os.WriteFile(argsPath, []byte(strings.Join(os.Args[1:], "\n")), 0664))
		return
	}
	must.M(err)
	originalArgs := sets.MakeWith(strings.Split(string(argsBytes), "\n")...)
	currentArgs := sets.MakeWith(os.Args[1:]...)
	for arg := range originalArgs.Sub(currentArgs) {
		if !isArgIrrelevant(arg) {
			klog.Warningf("missing argument %q used when the model was originally created", arg)
		}
	}
	for arg := range currentArgs.Sub(originalArgs) {
		if !isArgIrrelevant(arg) {
			klog.Warningf("argument %q was not used when the model was originally created", arg)
		}
	}
}

// isArgIrrelevant for model provenance: these don't change the model itself.
func isArgIrrelevant(arg string) bool {
	if arg == "" {
		return true
	}
	for _, prefix := range []string{"-checkpoint", "--checkpoint", "-generate", "--generate", "-output", "--output", "-verbosity", "--verbosity"} {
		if strings.HasPrefix(arg, prefix) {
			return true
		}
	}
	return false
}
