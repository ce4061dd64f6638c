package ml

import (
	"log/slog"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// ParameterConfig describes the topology: Layers hidden layers between an
// input of InputSize and an output of OutputSize.
type ParameterConfig struct {
	Layers       int
	InputSize    int
	OutputSize   int
	UnitsByLayer []int
}

// WeightConfig holds the ranges used for random initialization. Src is
// optional; nil draws from the global generator.
type WeightConfig struct {
	MinWeight float64
	MaxWeight float64
	MinBias   float64
	MaxBias   float64
	Src       rand.Source
}

type ActivationConfig struct {
	Hidden Activation
	Output Activation
}

// Option tweaks a Network at construction time.
type Option func(*Network)

// FeedForward drops the recurrence weights; every timestep is independent.
func FeedForward() Option {
	return func(nw *Network) {
		nw.recurrent = false
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(nw *Network) {
		if logger != nil {
			nw.logger = logger
		}
	}
}

func (p ParameterConfig) Validate() error {
	if p.Layers < 1 || p.InputSize < 1 || p.OutputSize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "%d layers, %d input dim, %d output dim", p.Layers, p.InputSize, p.OutputSize)
	}
	if len(p.UnitsByLayer) != p.Layers {
		return errors.Wrapf(ErrInvalidConfig, "%d layers but %d unit counts", p.Layers, len(p.UnitsByLayer))
	}
	for i, u := range p.UnitsByLayer {
		if u < 1 {
			return errors.Wrapf(ErrInvalidConfig, "layer %d has %d units", i, u)
		}
	}
	return nil
}

// boundaryDims returns the (in, out) shape of the weight at boundary i,
// 0 <= i <= Layers.
func (p ParameterConfig) boundaryDims(i int) (int, int) {
	in, out := p.InputSize, p.OutputSize
	if i > 0 {
		in = p.UnitsByLayer[i-1]
	}
	if i < p.Layers {
		out = p.UnitsByLayer[i]
	}
	return in, out
}

func (w WeightConfig) Validate() error {
	if w.MinWeight > w.MaxWeight {
		return errors.Wrapf(ErrInvalidConfig, "weight range [%g, %g)", w.MinWeight, w.MaxWeight)
	}
	if w.MinBias > w.MaxBias {
		return errors.Wrapf(ErrInvalidConfig, "bias range [%g, %g)", w.MinBias, w.MaxBias)
	}
	return nil
}

func (a ActivationConfig) Validate() error {
	if !a.Hidden.valid() {
		return errors.Wrapf(ErrUnknownActivation, "hidden %d", int(a.Hidden))
	}
	if !a.Output.valid() {
		return errors.Wrapf(ErrUnknownActivation, "output %d", int(a.Output))
	}
	return nil
}
