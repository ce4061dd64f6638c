package ml

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
)

// LearningRate is the step size Train uses.
const LearningRate = 0.001

// Apply performs one gradient-descent step with the sums held in u, then
// clears u. The sums are not averaged; lr is the only scale factor.
func (nw *Network) Apply(u *Update, lr float64) error {
	if u == nil {
		return errors.Wrap(ErrShapeMismatch, "nil update")
	}
	if err := u.matches(nw); err != nil {
		return err
	}
	if nw.logger.Enabled(context.Background(), slog.LevelDebug) {
		nw.logger.Debug("applying update", "norm", u.Norm(), "batch", u.batchCount, "lr", lr)
	}

	for i, w := range nw.hiddenWeights {
		if err := w.Update(u.hidden[i], lr); err != nil {
			return err
		}
	}
	for i, w := range nw.recurrenceWeights {
		if err := w.Update(u.recurrence[i], lr); err != nil {
			return err
		}
	}
	for i, b := range nw.biases {
		if err := b.Update(u.biases[i], lr); err != nil {
			return err
		}
	}
	u.Clear()
	return nil
}

// Train runs one pass over seq at LearningRate, applying an update every
// batchSize timesteps.
func (nw *Network) Train(seq, targets [][]float64, batchSize int) error {
	return nw.TrainWithRate(seq, targets, batchSize, LearningRate)
}

// TrainWithRate is Train with an explicit learning rate. Every input and
// target is checked before the first parameter changes. Gradients of a
// trailing partial batch are dropped with the accumulator.
func (nw *Network) TrainWithRate(seq, targets [][]float64, batchSize int, lr float64) error {
	if err := nw.checkSequence(seq, targets); err != nil {
		return err
	}
	u, err := NewUpdate(nw, batchSize)
	if err != nil {
		return err
	}

	var prev *StepState
	for t, v := range seq {
		step, err := nw.Forward(v, prev)
		if err != nil {
			return errors.WithMessagef(err, "timestep %d", t)
		}
		grads, err := nw.Gradients(step, prev, targets[t])
		if err != nil {
			return errors.WithMessagef(err, "timestep %d", t)
		}
		if err := u.Combine(grads); err != nil {
			return errors.WithMessagef(err, "timestep %d", t)
		}
		if u.ShouldApply() {
			if err := nw.Apply(u, lr); err != nil {
				return err
			}
		}
		prev = step
	}
	if n := u.BatchCount(); n > 0 {
		nw.logger.Debug("dropping partial batch", "steps", n)
	}
	return nil
}

func (nw *Network) checkSequence(seq, targets [][]float64) error {
	if len(targets) < len(seq) {
		return errors.Wrapf(ErrMissingTarget, "timestep %d has no target", len(targets))
	}
	for t, v := range seq {
		if len(v) != nw.inputSize {
			return errors.Wrapf(ErrInputSize, "timestep %d: expected %d, got %d", t, nw.inputSize, len(v))
		}
		if targets[t] == nil {
			return errors.Wrapf(ErrMissingTarget, "timestep %d", t)
		}
		if len(targets[t]) != nw.outputSize {
			return errors.Wrapf(ErrTargetSize, "timestep %d: expected %d, got %d", t, nw.outputSize, len(targets[t]))
		}
	}
	return nil
}
