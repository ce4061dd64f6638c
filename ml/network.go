package ml

import (
	"log/slog"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Network is a stack of dense layers where every hidden layer also receives
// its own post-activation from the previous timestep through a square
// recurrence weight.
//
// Boundary i maps layer i to layer i+1; boundary 0 starts at the input and
// boundary Layers ends at the output. A Network is not safe for concurrent
// use.
type Network struct {
	layers       int
	inputSize    int
	outputSize   int
	unitsByLayer []int

	// i x l0, l0 x l1, ... l(p-1) x o; Layers+1 entries
	hiddenWeights []*Weight
	// ln x ln; Layers entries, nil for a feed-forward network
	recurrenceWeights []*Weight
	// l0, l1, ... l(p-1), o; Layers+1 entries
	biases []*Bias

	hiddenAct Activation
	outputAct Activation
	recurrent bool

	logger *slog.Logger
}

// StepState is everything one forward step produces.
type StepState struct {
	// Output is the final output after the output activation.
	Output []float64
	// Activations[0] is the input, Activations[i+1] the post-activation of
	// hidden layer i. It doubles as the next timestep's recurrent input.
	Activations [][]float64
	// Raw[0] is the input, Raw[i+1] the pre-activation at boundary i. The
	// last entry is the raw output.
	Raw [][]float64
}

// Neural Network Builder
func NewNetwork(params ParameterConfig, weights WeightConfig, acts ActivationConfig, opts ...Option) (*Network, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if err := acts.Validate(); err != nil {
		return nil, err
	}

	nw := newShell(params, acts, opts...)
	for i := 0; i <= params.Layers; i++ {
		in, out := params.boundaryDims(i)
		nw.hiddenWeights[i] = RandomWeight(in, out, weights.MinWeight, weights.MaxWeight, weights.Src)
		if nw.recurrent && i < params.Layers {
			nw.recurrenceWeights[i] = RandomWeight(out, out, weights.MinWeight, weights.MaxWeight, weights.Src)
		}
		nw.biases[i] = RandomBias(out, weights.MinBias, weights.MaxBias, weights.Src)
	}
	return nw, nil
}

// newShell allocates the parameter slots for a validated config. The caller
// fills every slot.
func newShell(params ParameterConfig, acts ActivationConfig, opts ...Option) *Network {
	nw := &Network{
		layers:       params.Layers,
		inputSize:    params.InputSize,
		outputSize:   params.OutputSize,
		unitsByLayer: append([]int(nil), params.UnitsByLayer...),
		hiddenAct:    acts.Hidden,
		outputAct:    acts.Output,
		recurrent:    true,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(nw)
	}
	nw.hiddenWeights = make([]*Weight, params.Layers+1)
	nw.biases = make([]*Bias, params.Layers+1)
	if nw.recurrent {
		nw.recurrenceWeights = make([]*Weight, params.Layers)
	}
	return nw
}

// -------- NEURAL NETWORK METHODS -------- //
func (nw *Network) Layers() int     { return nw.layers }
func (nw *Network) InputSize() int  { return nw.inputSize }
func (nw *Network) OutputSize() int { return nw.outputSize }
func (nw *Network) Recurrent() bool { return nw.recurrent }

func (nw *Network) UnitsByLayer() []int { return append([]int(nil), nw.unitsByLayer...) }

func (nw *Network) HiddenActivation() Activation { return nw.hiddenAct }
func (nw *Network) OutputActivation() Activation { return nw.outputAct }

func (nw *Network) ParameterConfig() ParameterConfig {
	return ParameterConfig{
		Layers:       nw.layers,
		InputSize:    nw.inputSize,
		OutputSize:   nw.outputSize,
		UnitsByLayer: nw.UnitsByLayer(),
	}
}

// HiddenWeight returns the live weight at boundary i.
func (nw *Network) HiddenWeight(i int) *Weight { return nw.hiddenWeights[i] }

// RecurrenceWeight returns the live recurrence weight of hidden layer i, or
// nil for a feed-forward network.
func (nw *Network) RecurrenceWeight(i int) *Weight {
	if !nw.recurrent {
		return nil
	}
	return nw.recurrenceWeights[i]
}

func (nw *Network) Bias(i int) *Bias { return nw.biases[i] }

func (nw *Network) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	nw.logger = logger
}

// Forward runs one timestep. prev is the previous timestep's state, or nil at
// the start of a sequence, which is equivalent to a zero recurrent
// contribution.
func (nw *Network) Forward(input []float64, prev *StepState) (*StepState, error) {
	if len(input) != nw.inputSize {
		return nil, errors.Wrapf(ErrInputSize, "expected %d, got %d", nw.inputSize, len(input))
	}
	if prev != nil {
		if err := nw.checkState(prev); err != nil {
			return nil, errors.WithMessage(err, "previous step")
		}
	}

	a := append([]float64(nil), input...)
	state := &StepState{
		Activations: make([][]float64, 0, nw.layers+1),
		Raw:         make([][]float64, 0, nw.layers+2),
	}
	state.Activations = append(state.Activations, a)
	state.Raw = append(state.Raw, a)

	for i := 0; i <= nw.layers; i++ {
		raw := nw.hiddenWeights[i].mulRow(a)
		if i < nw.layers && nw.recurrent && prev != nil {
			floats.Add(raw, nw.recurrenceWeights[i].mulRow(prev.Activations[i+1]))
		}
		floats.Add(raw, nw.biases[i].data)
		state.Raw = append(state.Raw, raw)

		next := make([]float64, len(raw))
		if i < nw.layers {
			nw.hiddenAct.apply(next, raw)
			state.Activations = append(state.Activations, next)
		} else {
			nw.outputAct.apply(next, raw)
			state.Output = next
		}
		a = next
	}
	return state, nil
}

// Predict runs a whole sequence, carrying each step's activations into the
// next, and returns one output vector per input step.
func (nw *Network) Predict(seq [][]float64) ([][]float64, error) {
	outputs := make([][]float64, 0, len(seq))
	var prev *StepState
	for t, v := range seq {
		step, err := nw.Forward(v, prev)
		if err != nil {
			return nil, errors.WithMessagef(err, "timestep %d", t)
		}
		outputs = append(outputs, step.Output)
		prev = step
	}
	return outputs, nil
}

// PredictFirstLayer returns the post-activation of hidden layer 0 for every
// step, ignoring recurrence.
func (nw *Network) PredictFirstLayer(seq [][]float64) ([][]float64, error) {
	out := make([][]float64, 0, len(seq))
	for t, v := range seq {
		if len(v) != nw.inputSize {
			return nil, errors.Wrapf(ErrInputSize, "timestep %d: expected %d, got %d", t, nw.inputSize, len(v))
		}
		raw := nw.hiddenWeights[0].mulRow(v)
		floats.Add(raw, nw.biases[0].data)
		nw.hiddenAct.apply(raw, raw)
		out = append(out, raw)
	}
	return out, nil
}

// PredictFromFirstLayer runs boundaries 1..Layers starting from hidden layer
// 0 activations, ignoring recurrence.
func (nw *Network) PredictFromFirstLayer(seq [][]float64) ([][]float64, error) {
	want := nw.unitsByLayer[0]
	out := make([][]float64, 0, len(seq))
	for t, v := range seq {
		if len(v) != want {
			return nil, errors.Wrapf(ErrInputSize, "timestep %d: expected %d, got %d", t, want, len(v))
		}
		a := v
		for i := 1; i <= nw.layers; i++ {
			raw := nw.hiddenWeights[i].mulRow(a)
			floats.Add(raw, nw.biases[i].data)
			if i < nw.layers {
				nw.hiddenAct.apply(raw, raw)
			} else {
				nw.outputAct.apply(raw, raw)
			}
			a = raw
		}
		out = append(out, a)
	}
	return out, nil
}

// checkState verifies that s has the layout Forward produces for nw.
func (nw *Network) checkState(s *StepState) error {
	if len(s.Activations) != nw.layers+1 || len(s.Raw) != nw.layers+2 {
		return errors.Wrapf(ErrShapeMismatch, "state has %d activations and %d raw layers, network has %d layers",
			len(s.Activations), len(s.Raw), nw.layers)
	}
	if len(s.Activations[0]) != nw.inputSize {
		return errors.Wrapf(ErrShapeMismatch, "state input has %d values, want %d", len(s.Activations[0]), nw.inputSize)
	}
	for i := 1; i <= nw.layers; i++ {
		if len(s.Activations[i]) != nw.unitsByLayer[i-1] {
			return errors.Wrapf(ErrShapeMismatch, "activation %d has %d units, want %d", i, len(s.Activations[i]), nw.unitsByLayer[i-1])
		}
	}
	for i := 0; i <= nw.layers; i++ {
		if want := nw.biases[i].Len(); len(s.Raw[i+1]) != want {
			return errors.Wrapf(ErrShapeMismatch, "pre-activation %d has %d values, want %d", i, len(s.Raw[i+1]), want)
		}
	}
	return nil
}
