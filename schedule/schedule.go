// Package schedule computes the per-step noise rates used by denoising
// diffusion models, both when corrupting images during training and when
// removing noise again at sampling time.
//
// A Schedule holds three aligned sequences, one value per diffusion step t:
//
//   - Beta[t]: the variance of the noise mixed in at step t.
//   - Alpha[t]: the cumulative product of (1-Beta) up to and including step t,
//     that is the fraction of the original signal still present after t+1
//     noising steps.
//   - Gamma[t]: the scale of the auxiliary noise re-injected by the reverse
//     (sampling) process at step t.
//
// Schedules are built with Linear or Sine, which sample the requested range
// [betaStart, betaEnd) at nSteps evenly spaced points, always stopping short
// of betaEnd. The same open-ended sampling applies to the gamma range.
//
// Use FromContext to build a Schedule from context hyperparameters, and
// Schedule.Constants to materialize the sequences as graph constants.
package schedule

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ErrInvalidStepCount is returned by Builder.Done when the requested number
// of diffusion steps is negative.
var ErrInvalidStepCount = errors.New("number of diffusion steps must be non-negative")

// Hyperparameters used by FromContext. They can be set with
// Context.SetParams or from the command line with commandline.ParseContextSettings.
const (
	// ParamPolicy selects how beta grows over the diffusion steps.
	// Valid values are "linear" and "sine". Defaults to "sine".
	ParamPolicy = "diffusion_schedule"

	// ParamSteps is the number of diffusion steps. It must be positive.
	// Defaults to 50.
	ParamSteps = "diffusion_steps"

	// ParamBetaStart and ParamBetaEnd delimit the half-open range
	// [ParamBetaStart, ParamBetaEnd) sampled for Beta.
	ParamBetaStart = "diffusion_beta_start"
	ParamBetaEnd   = "diffusion_beta_end"

	// ParamGammaStart and ParamGammaEnd delimit the half-open range sampled
	// for Gamma, the auxiliary noise scale of the reverse process.
	ParamGammaStart = "diffusion_gamma_start"
	ParamGammaEnd   = "diffusion_gamma_end"
)

// Schedule holds the noise rates of a diffusion process, one value per step.
// See the package documentation for the meaning of each sequence.
//
// Build it with Linear, Sine or FromContext. The slices all have the same
// length and are never mutated after Done returns.
type Schedule struct {
	Beta, Alpha, Gamma []float64
}

// Builder builds a Schedule. Create it with Linear or Sine, optionally
// configure it with WithGammaRange and call Done when finished.
type Builder struct {
	policy               policy
	nSteps               int
	betaStart, betaEnd   float64
	gammaStart, gammaEnd float64
}

type policy int

const (
	linearPolicy policy = iota
	sinePolicy
)

// Linear creates a Builder whose beta values grow linearly from betaStart
// towards (but never reaching) betaEnd over nSteps steps.
//
// The auxiliary noise range defaults to [0, 0.1); change it with WithGammaRange.
func Linear(nSteps int, betaStart, betaEnd float64) *Builder {
	return &Builder{policy: linearPolicy, nSteps: nSteps, betaStart: betaStart, betaEnd: betaEnd, gammaEnd: 0.1}
}

// Sine creates a Builder whose beta values follow the first quarter of a sine
// wave, rescaled to start at betaStart and approach (but never reach) betaEnd
// over nSteps steps. Compared to Linear it spends more steps at low noise
// rates, which tends to make the reverse process easier to learn.
func Sine(nSteps int, betaStart, betaEnd float64) *Builder {
	return &Builder{policy: sinePolicy, nSteps: nSteps, betaStart: betaStart, betaEnd: betaEnd, gammaEnd: 0.1}
}

// WithGammaRange sets the half-open range [start, end) sampled for Gamma,
// the scale of the noise re-injected at each reverse step. Gamma always
// grows linearly, independently of the beta policy.
func (b *Builder) WithGammaRange(start, end float64) *Builder {
	b.gammaStart, b.gammaEnd = start, end
	return b
}

// Done builds the Schedule.
//
// It returns ErrInvalidStepCount if the number of steps is negative. Zero
// steps is valid and yields a Schedule with empty sequences.
func (b *Builder) Done() (*Schedule, error) {
	if b.nSteps < 0 {
		return nil, errors.Wrapf(ErrInvalidStepCount, "got %d steps", b.nSteps)
	}
	n := b.nSteps
	s := &Schedule{
		Beta:  make([]float64, n),
		Alpha: make([]float64, n),
		Gamma: make([]float64, n),
	}
	retained := 1.0
	for t := 0; t < n; t++ {
		frac := float64(t) / float64(n)
		var beta float64
		switch b.policy {
		case sinePolicy:
			beta = b.betaStart + (b.betaEnd-b.betaStart)*math.Sin(frac*math.Pi/2)
		default:
			beta = b.betaStart + (b.betaEnd-b.betaStart)*frac
		}
		s.Beta[t] = beta
		retained *= 1 - beta
		s.Alpha[t] = retained
		s.Gamma[t] = b.gammaStart + (b.gammaEnd-b.gammaStart)*frac
	}
	return s, nil
}

// policies maps hyperparameter values accepted by ParamPolicy to their
// builder constructors.
var policies = map[string]func(nSteps int, betaStart, betaEnd float64) *Builder{
	"linear": Linear,
	"sine":   Sine,
}

// FromContext builds a Schedule from the context hyperparameters listed in
// this package. Unlike Done, it requires a positive number of steps, since a
// diffusion model with no steps cannot train or sample.
func FromContext(ctx *context.Context) (*Schedule, error) {
	policyName := context.GetParamOr(ctx, ParamPolicy, "sine")
	build, found := policies[policyName]
	if !found {
		return nil, errors.Errorf("invalid value %q for hyperparameter %q: valid values are %v",
			policyName, ParamPolicy, maps.Keys(policies))
	}
	nSteps := context.GetParamOr(ctx, ParamSteps, 50)
	if nSteps <= 0 {
		return nil, errors.Wrapf(ErrInvalidStepCount, "hyperparameter %q is %d", ParamSteps, nSteps)
	}
	return build(nSteps,
		context.GetParamOr(ctx, ParamBetaStart, 1e-4),
		context.GetParamOr(ctx, ParamBetaEnd, 0.2)).
		WithGammaRange(
			context.GetParamOr(ctx, ParamGammaStart, 0.0),
			context.GetParamOr(ctx, ParamGammaEnd, 0.1)).
		Done()
}

// Len returns the number of diffusion steps.
func (s *Schedule) Len() int { return len(s.Beta) }

// Constants returns the three sequences as constant nodes of the given graph,
// shaped [Len()] and converted to dtype. Gather from them with the step
// number to mix signal and noise inside a computation graph.
func (s *Schedule) Constants(g *Graph, dtype dtypes.DType) (beta, alpha, gamma *Node) {
	conv := func(values []float64) *Node {
		return ConvertDType(Const(g, tensors.FromValue(values)), dtype)
	}
	return conv(s.Beta), conv(s.Alpha), conv(s.Gamma)
}
