package ml

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Gradients is the loss gradient of a single timestep, laid out like the
// network's parameters. Recurrence is nil for a feed-forward network.
type Gradients struct {
	Hidden     []*Weight
	Recurrence []*Weight
	Bias       []*Bias
}

// Gradients derives the half squared error gradient for one timestep. step is
// the state Forward returned for this timestep and prev the state of the
// timestep before it (nil at the start of a sequence).
//
// The recurrent gradient only reaches one step back: Recurrence[i] uses the
// activations cached in prev and nothing earlier is revisited. prev is treated
// as a constant.
func (nw *Network) Gradients(step, prev *StepState, target []float64) (*Gradients, error) {
	if len(target) != nw.outputSize {
		return nil, errors.Wrapf(ErrTargetSize, "expected %d, got %d", nw.outputSize, len(target))
	}
	if err := nw.checkState(step); err != nil {
		return nil, err
	}
	if len(step.Output) != nw.outputSize {
		return nil, errors.Wrapf(ErrShapeMismatch, "output has %d values, want %d", len(step.Output), nw.outputSize)
	}
	if prev != nil {
		if err := nw.checkState(prev); err != nil {
			return nil, errors.WithMessage(err, "previous step")
		}
	}

	grads := &Gradients{
		Hidden: make([]*Weight, nw.layers+1),
		Bias:   make([]*Bias, nw.layers+1),
	}
	if nw.recurrent {
		grads.Recurrence = make([]*Weight, nw.layers)
	}

	// dLoss/dRaw at the output: -(target - output) * f'(raw)
	rawOut := step.Raw[nw.layers+1]
	g := make([]float64, nw.outputSize)
	floats.SubTo(g, step.Output, target)
	for j := range g {
		g[j] *= nw.outputAct.Deriv(rawOut[j])
	}

	for i := nw.layers; i >= 0; i-- {
		if len(g) != nw.biases[i].Len() {
			return nil, errors.Wrapf(ErrShapeMismatch, "boundary %d: gradient has %d values, bias has %d", i, len(g), nw.biases[i].Len())
		}
		grads.Hidden[i] = outer(step.Activations[i], g)
		grads.Bias[i] = NewBiasFromSlice(append([]float64(nil), g...))

		if i < nw.layers && nw.recurrent {
			if prev != nil {
				grads.Recurrence[i] = outer(prev.Activations[i+1], g)
			} else {
				grads.Recurrence[i] = NewWeight(len(g), len(g))
			}
		}

		if i > 0 {
			// Raw[i] is the pre-activation of hidden layer i-1
			next := nw.hiddenWeights[i].mulCol(g)
			raw := step.Raw[i]
			for k := range next {
				next[k] *= nw.hiddenAct.Deriv(raw[k])
			}
			g = next
		}
	}
	return grads, nil
}

// Loss is the half squared error between output and target.
func Loss(output, target []float64) float64 {
	d := floats.Distance(output, target, 2)
	return 0.5 * d * d
}

// MeanSquaredError predicts seq and averages the squared error over every
// output element of every timestep.
func (nw *Network) MeanSquaredError(seq, targets [][]float64) (float64, error) {
	if len(targets) < len(seq) {
		return 0, errors.Wrapf(ErrMissingTarget, "%d steps, %d targets", len(seq), len(targets))
	}
	outputs, err := nw.Predict(seq)
	if err != nil {
		return 0, err
	}
	if len(outputs) == 0 {
		return 0, nil
	}
	var sum float64
	for t, out := range outputs {
		if len(targets[t]) != nw.outputSize {
			return 0, errors.Wrapf(ErrTargetSize, "timestep %d: expected %d, got %d", t, nw.outputSize, len(targets[t]))
		}
		d := floats.Distance(out, targets[t], 2)
		sum += d * d
	}
	return sum / float64(len(outputs)*nw.outputSize), nil
}
