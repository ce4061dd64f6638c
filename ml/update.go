package ml

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Update sums per-timestep gradients until a batch is complete. It is shaped
// like the network it was created for.
type Update struct {
	hidden     []*Weight
	recurrence []*Weight
	biases     []*Bias

	batchCount   int
	maxBatchSize int
}

func NewUpdate(nw *Network, maxBatchSize int) (*Update, error) {
	if maxBatchSize < 1 {
		return nil, errors.Wrapf(ErrBatchSize, "%d", maxBatchSize)
	}
	u := &Update{
		hidden:       make([]*Weight, len(nw.hiddenWeights)),
		biases:       make([]*Bias, len(nw.biases)),
		maxBatchSize: maxBatchSize,
	}
	for i, w := range nw.hiddenWeights {
		u.hidden[i] = NewWeight(w.Dims())
	}
	for i, b := range nw.biases {
		u.biases[i] = NewBias(b.Len())
	}
	if nw.recurrent {
		u.recurrence = make([]*Weight, len(nw.recurrenceWeights))
		for i, w := range nw.recurrenceWeights {
			u.recurrence[i] = NewWeight(w.Dims())
		}
	}
	return u, nil
}

// Combine adds one timestep's gradients into the running sums and counts it
// towards the batch. Nothing is added unless every array matches.
func (u *Update) Combine(g *Gradients) error {
	if g == nil {
		return errors.Wrap(ErrShapeMismatch, "nil gradients")
	}
	if err := checkWeights("hidden", u.hidden, g.Hidden); err != nil {
		return err
	}
	if err := checkWeights("recurrence", u.recurrence, g.Recurrence); err != nil {
		return err
	}
	if err := checkBiases(u.biases, g.Bias); err != nil {
		return err
	}

	for i, w := range u.hidden {
		floats.Add(w.data, g.Hidden[i].data)
	}
	for i, w := range u.recurrence {
		floats.Add(w.data, g.Recurrence[i].data)
	}
	for i, b := range u.biases {
		floats.Add(b.data, g.Bias[i].data)
	}
	u.batchCount++
	return nil
}

func (u *Update) ShouldApply() bool {
	return u.batchCount >= u.maxBatchSize
}

// Clear zeroes every sum and restarts the batch count.
func (u *Update) Clear() {
	for _, w := range u.hidden {
		w.Reset()
	}
	for _, w := range u.recurrence {
		w.Reset()
	}
	for _, b := range u.biases {
		b.Reset()
	}
	u.batchCount = 0
}

func (u *Update) BatchCount() int   { return u.batchCount }
func (u *Update) MaxBatchSize() int { return u.maxBatchSize }

// Norm is the L2 norm of all accumulated sums taken together.
func (u *Update) Norm() float64 {
	var sq float64
	for _, w := range u.hidden {
		sq += floats.Dot(w.data, w.data)
	}
	for _, w := range u.recurrence {
		sq += floats.Dot(w.data, w.data)
	}
	for _, b := range u.biases {
		sq += floats.Dot(b.data, b.data)
	}
	return math.Sqrt(sq)
}

// Hidden, Recurrence and Bias expose the accumulated sums.
func (u *Update) Hidden(i int) *Weight     { return u.hidden[i] }
func (u *Update) Recurrence(i int) *Weight { return u.recurrence[i] }
func (u *Update) Bias(i int) *Bias         { return u.biases[i] }

// matches reports whether u was shaped for nw.
func (u *Update) matches(nw *Network) error {
	if err := checkWeights("hidden", nw.hiddenWeights, u.hidden); err != nil {
		return err
	}
	if err := checkWeights("recurrence", nw.recurrenceWeights, u.recurrence); err != nil {
		return err
	}
	return checkBiases(nw.biases, u.biases)
}

func checkWeights(kind string, want, got []*Weight) error {
	if len(want) != len(got) {
		return errors.Wrapf(ErrShapeMismatch, "%s: %d matrices, want %d", kind, len(got), len(want))
	}
	for i := range want {
		if got[i] == nil {
			return errors.Wrapf(ErrShapeMismatch, "%s %d: missing", kind, i)
		}
		if err := want[i].sameShape(got[i]); err != nil {
			return errors.WithMessagef(err, "%s %d", kind, i)
		}
	}
	return nil
}

func checkBiases(want, got []*Bias) error {
	if len(want) != len(got) {
		return errors.Wrapf(ErrShapeMismatch, "bias: %d vectors, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] == nil {
			return errors.Wrapf(ErrShapeMismatch, "bias %d: missing", i)
		}
		if err := want[i].sameShape(got[i]); err != nil {
			return errors.WithMessagef(err, "bias %d", i)
		}
	}
	return nil
}
