// Package embedding learns dense per-frame codes for note encodings. A
// single-hidden-layer feed-forward network is trained to rebuild each frame
// from the average of its neighbours; the hidden layer is the embedding.
package embedding

import (
	"log/slog"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/LlanAiu/music-transcriber/converter"
	"github.com/LlanAiu/music-transcriber/ml"
)

// ErrIncompatible means a saved model is not an embedding network of the
// configured shape.
var ErrIncompatible = errors.New("saved model is not a matching embedding network")

// DefaultWeights are the initial ranges the embedding network starts from.
var DefaultWeights = ml.WeightConfig{MinWeight: 0.03, MaxWeight: 0.07, MinBias: 0, MaxBias: 0.0001}

// Embedding holds one code vector per encoding frame.
type Embedding struct {
	Vectors  [][]float64
	Timestep float64
}

type Config struct {
	// Dim is the embedding width, the hidden layer size.
	Dim int
	// NoteRange is the width of every encoding frame.
	NoteRange int
	// Radius is how many frames on each side feed the window average.
	Radius    int
	BatchSize int
	Weights   ml.WeightConfig

	// LearningRate defaults to ml.LearningRate.
	LearningRate float64
	Logger       *slog.Logger
}

func (c Config) Validate() error {
	if c.Dim < 1 || c.NoteRange < 1 {
		return errors.Wrapf(ml.ErrInvalidConfig, "embedding dim %d, note range %d", c.Dim, c.NoteRange)
	}
	if c.Radius < 1 {
		return errors.Wrapf(ml.ErrInvalidConfig, "window radius %d", c.Radius)
	}
	if c.BatchSize < 1 {
		return errors.Wrapf(ml.ErrBatchSize, "%d", c.BatchSize)
	}
	return nil
}

func (c Config) params() ml.ParameterConfig {
	return ml.ParameterConfig{
		Layers:       1,
		InputSize:    c.NoteRange,
		OutputSize:   c.NoteRange,
		UnitsByLayer: []int{c.Dim},
	}
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Model wraps the embedding network. It is not safe for concurrent use.
type Model struct {
	net          *ml.Network
	radius       int
	batchSize    int
	learningRate float64
	logger       *slog.Logger
}

// New builds a model around a freshly initialized network.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	net, err := ml.NewNetwork(cfg.params(), cfg.Weights,
		ml.ActivationConfig{Hidden: ml.ActRelu, Output: ml.ActSigmoid},
		ml.FeedForward(), ml.WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	return cfg.wrap(net), nil
}

func (c Config) wrap(net *ml.Network) *Model {
	lr := c.LearningRate
	if lr <= 0 {
		lr = ml.LearningRate
	}
	return &Model{
		net:          net,
		radius:       c.Radius,
		batchSize:    c.BatchSize,
		learningRate: lr,
		logger:       c.logger(),
	}
}

// Open loads the model saved at path, or builds a fresh one when there is no
// file. The saved network must be feed-forward with one hidden layer of Dim
// units over NoteRange-wide frames.
func Open(path string, cfg Config) (m *Model, fresh bool, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	net, err := ml.LoadFromFile(path, ml.WithLogger(cfg.Logger))
	if errors.Is(err, ml.ErrModelNotFound) {
		cfg.logger().Warn("no saved embedding model, starting from random weights", "path", path)
		m, err = New(cfg)
		return m, err == nil, err
	}
	if err != nil {
		return nil, false, err
	}

	units := net.UnitsByLayer()
	if net.Recurrent() || net.Layers() != 1 || units[0] != cfg.Dim ||
		net.InputSize() != cfg.NoteRange || net.OutputSize() != cfg.NoteRange {
		return nil, false, errors.Wrapf(ErrIncompatible, "%s: recurrent=%t layers=%d units=%v %d -> %d",
			path, net.Recurrent(), net.Layers(), units, net.InputSize(), net.OutputSize())
	}
	return cfg.wrap(net), false, nil
}

func (m *Model) Network() *ml.Network { return m.net }

// Learn trains one pass over enc: every frame is the target for the average
// of the frames around it.
func (m *Model) Learn(enc converter.Encoding) error {
	averaged, err := WindowAverage(enc.Frames, m.radius)
	if err != nil {
		return err
	}
	if err := m.net.TrainWithRate(averaged, enc.Frames, m.batchSize, m.learningRate); err != nil {
		return errors.WithMessage(err, "learn embeddings")
	}
	return nil
}

// Embed maps every frame of enc to its hidden-layer code.
func (m *Model) Embed(enc converter.Encoding) (Embedding, error) {
	vecs, err := m.net.PredictFirstLayer(enc.Frames)
	if err != nil {
		return Embedding{}, errors.WithMessage(err, "embed")
	}
	return Embedding{Vectors: vecs, Timestep: enc.Timestep}, nil
}

// Reconstruct decodes codes back into note frames, marking notes whose output
// is above cutoff.
func (m *Model) Reconstruct(e Embedding, cutoff float64) (converter.Encoding, error) {
	outputs, err := m.net.PredictFromFirstLayer(e.Vectors)
	if err != nil {
		return converter.Encoding{}, errors.WithMessage(err, "reconstruct")
	}
	return converter.Decode(outputs, e.Timestep, cutoff), nil
}

func (m *Model) Save(path string) error {
	return m.net.SaveToFile(path)
}

// WindowAverage returns, for each frame t, the sum of the frames within
// radius of t, excluding t itself, divided by 2*radius. Windows are clipped at
// the sequence ends but keep the same divisor.
func WindowAverage(frames [][]float64, radius int) ([][]float64, error) {
	if radius < 1 {
		return nil, errors.Wrapf(ml.ErrInvalidConfig, "window radius %d", radius)
	}
	if len(frames) == 0 {
		return nil, nil
	}
	width := len(frames[0])
	for t, f := range frames {
		if len(f) != width {
			return nil, errors.Wrapf(ml.ErrShapeMismatch, "frame %d has %d values, want %d", t, len(f), width)
		}
	}

	scale := 1 / float64(2*radius)
	out := make([][]float64, len(frames))
	for t := range frames {
		avg := make([]float64, width)
		lo, hi := max(t-radius, 0), min(t+radius, len(frames)-1)
		for k := lo; k <= hi; k++ {
			if k != t {
				floats.AddScaled(avg, scale, frames[k])
			}
		}
		out[t] = avg
	}
	return out, nil
}
