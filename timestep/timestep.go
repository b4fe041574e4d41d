// Package timestep encodes diffusion step numbers as sinusoidal embedding
// vectors, the same "attention-like" positional encoding used by transformers,
// here indexed by diffusion step instead of token position.
//
// An Encoder precomputes a table of shape [maxSteps, maxDims] where row t,
// columns 2i and 2i+1 hold
//
//	sin(t / 10000^(2i/maxDims))	and	cos(t / 10000^(2i/maxDims))
//
// Embed and EmbedGraph then select rows of this table by step number.
//
// Encoders are immutable after New returns: using one concurrently from
// multiple goroutines is safe.
package timestep

import (
	"bytes"
	"encoding/gob"
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrIndexOutOfRange is returned by Encoder.Embed when a step number is
// negative or >= MaxSteps.
var ErrIndexOutOfRange = errors.New("step number out of range")

// Encoder holds a precomputed table of sinusoidal step embeddings.
// Create it with New.
type Encoder struct {
	maxSteps, maxDims int
	table             *tensors.Tensor
	flat              []float64
}

// New creates an Encoder for step numbers in [0, maxSteps) with embedding
// vectors of maxDims elements.
//
// Since the encoding works on (sin, cos) column pairs, an odd maxDims is
// rounded up to the next even number; check MaxDims for the value actually
// used.
func New(maxSteps, maxDims int) (*Encoder, error) {
	if maxSteps <= 0 {
		return nil, errors.Errorf("maxSteps must be positive, got %d", maxSteps)
	}
	if maxDims <= 0 {
		return nil, errors.Errorf("maxDims must be positive, got %d", maxDims)
	}
	if maxDims%2 == 1 {
		maxDims++
	}
	flat := make([]float64, maxSteps*maxDims)
	for t := 0; t < maxSteps; t++ {
		row := flat[t*maxDims : (t+1)*maxDims]
		for i := 0; i < maxDims/2; i++ {
			angle := float64(t) / math.Pow(10000, float64(2*i)/float64(maxDims))
			row[2*i] = math.Sin(angle)
			row[2*i+1] = math.Cos(angle)
		}
	}
	return &Encoder{
		maxSteps: maxSteps,
		maxDims:  maxDims,
		flat:     flat,
		table:    tensors.FromFlatDataAndDimensions(flat, maxSteps, maxDims),
	}, nil
}

// MaxSteps returns the number of encodable steps, i.e., valid step numbers
// are in [0, MaxSteps).
func (e *Encoder) MaxSteps() int { return e.maxSteps }

// MaxDims returns the length of the embedding vectors. It may be one larger
// than the value given to New, which rounds odd lengths up.
func (e *Encoder) MaxDims() int { return e.maxDims }

// Table returns the full embedding table, shaped [MaxSteps, MaxDims] with
// dtype Float64. The returned tensor is shared, do not mutate it.
func (e *Encoder) Table() *tensors.Tensor { return e.table }

// Embed returns the embedding rows for the given step numbers as a tensor
// shaped [len(stepNums), MaxDims] with dtype Float64.
//
// It returns ErrIndexOutOfRange if any step number is negative or >= MaxSteps.
func (e *Encoder) Embed(stepNums ...int) (*tensors.Tensor, error) {
	rows := make([]float64, len(stepNums)*e.maxDims)
	for i, t := range stepNums {
		if t < 0 || t >= e.maxSteps {
			return nil, errors.Wrapf(ErrIndexOutOfRange, "step number %d, valid range is [0, %d)", t, e.maxSteps)
		}
		copy(rows[i*e.maxDims:], e.flat[t*e.maxDims:(t+1)*e.maxDims])
	}
	return tensors.FromFlatDataAndDimensions(rows, len(stepNums), e.maxDims), nil
}

// EmbedGraph returns the embedding rows for stepNums, a graph node of any
// integer dtype and any shape. The result has one extra trailing axis of
// dimension MaxDims, and dtype Float64; convert it to the model dtype with
// ConvertDType.
//
// Out-of-range step numbers follow the backend's Gather behavior, which
// clamps indices to the table instead of failing. Validate step numbers on
// the host with Embed when that matters.
func (e *Encoder) EmbedGraph(stepNums *Node) *Node {
	g := stepNums.Graph()
	table := Const(g, e.table)
	return Gather(table, InsertAxes(stepNums, -1))
}

// gobPayload is the persisted form of an Encoder. The table is deterministic
// given the dimensions, so only those are saved.
type gobPayload struct {
	MaxSteps, MaxDims int
}

// GobEncode implements gob.GobEncoder. Only (MaxSteps, MaxDims) are
// persisted, the table is rebuilt on decoding.
func (e *Encoder) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(gobPayload{MaxSteps: e.maxSteps, MaxDims: e.maxDims})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode timestep.Encoder")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder, rebuilding the embedding table from
// the persisted dimensions.
func (e *Encoder) GobDecode(data []byte) error {
	var payload gobPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return errors.Wrap(err, "failed to decode timestep.Encoder")
	}
	decoded, err := New(payload.MaxSteps, payload.MaxDims)
	if err != nil {
		return errors.WithMessage(err, "decoding timestep.Encoder")
	}
	*e = *decoded
	return nil
}
