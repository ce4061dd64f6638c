// Package converter turns spectrogram frames into note activation frames with
// a recurrent network, and trains that network from aligned examples.
package converter

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/LlanAiu/music-transcriber/ml"
)

// ErrDimensionMismatch means a loaded model does not fit the configured
// spectrum width or note range.
var ErrDimensionMismatch = errors.New("model dimensions do not match configuration")

// Spectrum is a sequence of fixed-width frequency frames, Timestep
// milliseconds apart.
type Spectrum interface {
	Frames() [][]float64
	Timestep() float64
}

// Frames is a Spectrum held in memory.
type Frames struct {
	Vectors [][]float64
	Step    float64
}

func (f Frames) Frames() [][]float64 { return f.Vectors }
func (f Frames) Timestep() float64   { return f.Step }

// Encoding is a sequence of 0/1 note activation frames.
type Encoding struct {
	Frames   [][]float64
	Timestep float64
}

// Decode thresholds network outputs: a note is active when its output is
// strictly above cutoff.
func Decode(outputs [][]float64, timestep, cutoff float64) Encoding {
	enc := Encoding{
		Frames:   make([][]float64, len(outputs)),
		Timestep: timestep,
	}
	for t, out := range outputs {
		frame := make([]float64, len(out))
		for j, v := range out {
			if v > cutoff {
				frame[j] = 1
			}
		}
		enc.Frames[t] = frame
	}
	return enc
}

// Active lists the indices of the notes set in frame t.
func (e Encoding) Active(t int) []int {
	var idx []int
	for j, v := range e.Frames[t] {
		if v != 0 {
			idx = append(idx, j)
		}
	}
	return idx
}

type Config struct {
	Params      ml.ParameterConfig
	Weights     ml.WeightConfig
	Activations ml.ActivationConfig
	BatchSize   int

	// LearningRate defaults to ml.LearningRate.
	LearningRate float64
	FeedForward  bool
	Logger       *slog.Logger
}

func (c Config) options() []ml.Option {
	opts := []ml.Option{ml.WithLogger(c.Logger)}
	if c.FeedForward {
		opts = append(opts, ml.FeedForward())
	}
	return opts
}

func (c Config) learningRate() float64 {
	if c.LearningRate > 0 {
		return c.LearningRate
	}
	return ml.LearningRate
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Converter pairs a network with the batch size it is trained with. Like the
// network it is not safe for concurrent use.
type Converter struct {
	net          *ml.Network
	batchSize    int
	learningRate float64
	logger       *slog.Logger
}

// New builds a converter around a freshly initialized network.
func New(cfg Config) (*Converter, error) {
	if cfg.BatchSize < 1 {
		return nil, errors.Wrapf(ml.ErrBatchSize, "%d", cfg.BatchSize)
	}
	net, err := ml.NewNetwork(cfg.Params, cfg.Weights, cfg.Activations, cfg.options()...)
	if err != nil {
		return nil, err
	}
	return cfg.wrap(net), nil
}

func (c Config) wrap(net *ml.Network) *Converter {
	return &Converter{
		net:          net,
		batchSize:    c.BatchSize,
		learningRate: c.learningRate(),
		logger:       c.logger(),
	}
}

// Load wraps the model saved at path. Unlike Open it never falls back to a
// fresh network; a missing file is reported as ml.ErrModelNotFound.
func Load(path string, cfg Config) (*Converter, error) {
	if cfg.BatchSize < 1 {
		return nil, errors.Wrapf(ml.ErrBatchSize, "%d", cfg.BatchSize)
	}
	net, err := ml.LoadFromFile(path, ml.WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	cfg.logger().Info("loaded model", "path", path, "layers", net.Layers(), "units", net.UnitsByLayer(), "recurrent", net.Recurrent())
	return cfg.wrap(net), nil
}

// Open loads the model at path. When no file exists it falls back to New and
// reports fresh. A loaded model keeps its own topology but must agree with
// cfg on input and output size.
func Open(path string, cfg Config) (c *Converter, fresh bool, err error) {
	c, err = Load(path, cfg)
	if errors.Is(err, ml.ErrModelNotFound) {
		cfg.logger().Warn("no saved model, starting from random weights", "path", path)
		c, err = New(cfg)
		return c, err == nil, err
	}
	if err != nil {
		return nil, false, err
	}

	net := c.net
	if net.InputSize() != cfg.Params.InputSize || net.OutputSize() != cfg.Params.OutputSize {
		return nil, false, errors.Wrapf(ErrDimensionMismatch, "%s is %d -> %d, want %d -> %d",
			path, net.InputSize(), net.OutputSize(), cfg.Params.InputSize, cfg.Params.OutputSize)
	}
	return c, false, nil
}

func (c *Converter) Network() *ml.Network { return c.net }
func (c *Converter) BatchSize() int       { return c.batchSize }

// Translate runs the spectrum through the network and decodes the result.
func (c *Converter) Translate(spec Spectrum, cutoff float64) (Encoding, error) {
	outputs, err := c.net.Predict(spec.Frames())
	if err != nil {
		return Encoding{}, errors.WithMessage(err, "translate")
	}
	return Decode(outputs, spec.Timestep(), cutoff), nil
}

// Update trains on one spectrum and its expected encoding.
func (c *Converter) Update(spec Spectrum, enc Encoding) error {
	frames := spec.Frames()
	if len(enc.Frames) < len(frames) {
		return errors.Wrapf(ml.ErrMissingTarget, "%d frames, %d encoded", len(frames), len(enc.Frames))
	}
	if enc.Timestep != 0 && enc.Timestep != spec.Timestep() {
		c.logger.Warn("timestep mismatch", "spectrum", spec.Timestep(), "encoding", enc.Timestep)
	}
	if err := c.net.TrainWithRate(frames, enc.Frames, c.batchSize, c.learningRate); err != nil {
		return errors.WithMessage(err, "update")
	}
	return nil
}

func (c *Converter) Save(path string) error {
	return c.net.SaveToFile(path)
}
