// Package config holds the run configuration of the transcriber CLI.
package config

import (
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/LlanAiu/music-transcriber/embedding"
	"github.com/LlanAiu/music-transcriber/ml"
)

var ErrInvalid = errors.New("invalid config")

// Config captures the runtime knobs for a training or transcription run.
type Config struct {
	Model     string  `yaml:"model"`
	Spectrum  string  `yaml:"spectrum"`
	Notes     string  `yaml:"notes"`
	Output    string  `yaml:"output"`
	Timestep  float64 `yaml:"timestep"`
	Normalize bool    `yaml:"normalize"`
	Cutoff    float64 `yaml:"cutoff"`
	LogLevel  string  `yaml:"log_level"`

	Network   Network   `yaml:"network"`
	Training  Training  `yaml:"training"`
	Embedding Embedding `yaml:"embedding"`
}

type Network struct {
	Layers      int           `yaml:"layers"`
	Units       []int         `yaml:"units"`
	FeedForward bool          `yaml:"feed_forward"`
	Hidden      ml.Activation `yaml:"hidden_activation"`
	Output      ml.Activation `yaml:"output_activation"`
	Weights     Range         `yaml:"weights"`
	Biases      Range         `yaml:"biases"`
	// Seed fixes the initial weights; 0 draws from the global generator.
	Seed uint64 `yaml:"seed"`
}

// Range is a half-open interval [Min, Max).
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Embedding configures the note-frame embedding model of the embed mode.
type Embedding struct {
	Model  string `yaml:"model"`
	Dim    int    `yaml:"dim"`
	Radius int    `yaml:"radius"`
}

type Training struct {
	BatchSize    int     `yaml:"batch_size"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Model          string
	EmbeddingModel string
	Spectrum       string
	Notes          string
	Output         string
	Epochs         int
	BatchSize      int
	Cutoff         float64
	LogLevel       string
}

func Default() *Config {
	return &Config{
		Model:    "model.txt",
		Timestep: 1,
		Cutoff:   0.7,
		LogLevel: "info",
		Network: Network{
			Layers:  1,
			Units:   []int{50},
			Hidden:  ml.ActRelu,
			Output:  ml.ActSigmoid,
			Weights: Range{Min: 0.05, Max: 0.2},
			Biases:  Range{Min: -0.4, Max: 0.4},
		},
		Training: Training{
			BatchSize:    6,
			Epochs:       10,
			LearningRate: ml.LearningRate,
		},
		Embedding: Embedding{
			Model:  "embedding.txt",
			Dim:    32,
			Radius: 1,
		},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Model != "" {
		c.Model = o.Model
	}
	if o.EmbeddingModel != "" {
		c.Embedding.Model = o.EmbeddingModel
	}
	if o.Spectrum != "" {
		c.Spectrum = o.Spectrum
	}
	if o.Notes != "" {
		c.Notes = o.Notes
	}
	if o.Output != "" {
		c.Output = o.Output
	}
	if o.Epochs > 0 {
		c.Training.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Training.BatchSize = o.BatchSize
	}
	if o.Cutoff > 0 {
		c.Cutoff = o.Cutoff
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.Wrap(ErrInvalid, "config is nil")
	}
	if c.Model == "" {
		return errors.Wrap(ErrInvalid, "model path must be set")
	}
	if c.Timestep <= 0 {
		return errors.Wrapf(ErrInvalid, "timestep must be > 0 (got %g)", c.Timestep)
	}
	if math.IsNaN(c.Cutoff) || math.IsInf(c.Cutoff, 0) {
		return errors.Wrapf(ErrInvalid, "cutoff must be finite (got %g)", c.Cutoff)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	n := c.Network
	if n.Layers < 1 {
		return errors.Wrapf(ErrInvalid, "network.layers must be > 0 (got %d)", n.Layers)
	}
	if len(n.Units) != n.Layers {
		return errors.Wrapf(ErrInvalid, "network.units has %d entries for %d layers", len(n.Units), n.Layers)
	}
	for i, u := range n.Units {
		if u < 1 {
			return errors.Wrapf(ErrInvalid, "network.units[%d] must be > 0 (got %d)", i, u)
		}
	}
	if n.Weights.Min > n.Weights.Max {
		return errors.Wrapf(ErrInvalid, "network.weights min %g > max %g", n.Weights.Min, n.Weights.Max)
	}
	if n.Biases.Min > n.Biases.Max {
		return errors.Wrapf(ErrInvalid, "network.biases min %g > max %g", n.Biases.Min, n.Biases.Max)
	}

	t := c.Training
	if t.BatchSize < 1 {
		return errors.Wrapf(ErrInvalid, "training.batch_size must be > 0 (got %d)", t.BatchSize)
	}
	if t.Epochs < 1 {
		return errors.Wrapf(ErrInvalid, "training.epochs must be > 0 (got %d)", t.Epochs)
	}
	if !(t.LearningRate > 0) {
		return errors.Wrapf(ErrInvalid, "training.learning_rate must be > 0 (got %g)", t.LearningRate)
	}

	e := c.Embedding
	if e.Model == "" {
		return errors.Wrap(ErrInvalid, "embedding.model path must be set")
	}
	if e.Dim < 1 {
		return errors.Wrapf(ErrInvalid, "embedding.dim must be > 0 (got %d)", e.Dim)
	}
	if e.Radius < 1 {
		return errors.Wrapf(ErrInvalid, "embedding.radius must be > 0 (got %d)", e.Radius)
	}
	return nil
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.Wrapf(ErrInvalid, "log_level %q", c.LogLevel)
	}
	return level, nil
}

// ParameterConfig completes the topology with the data dimensions, which only
// the input files know.
func (c *Config) ParameterConfig(inputSize, outputSize int) ml.ParameterConfig {
	return ml.ParameterConfig{
		Layers:       c.Network.Layers,
		InputSize:    inputSize,
		OutputSize:   outputSize,
		UnitsByLayer: append([]int(nil), c.Network.Units...),
	}
}

func (c *Config) WeightConfig() ml.WeightConfig {
	w := ml.WeightConfig{
		MinWeight: c.Network.Weights.Min,
		MaxWeight: c.Network.Weights.Max,
		MinBias:   c.Network.Biases.Min,
		MaxBias:   c.Network.Biases.Max,
	}
	w.Src = c.source()
	return w
}

func (c *Config) source() rand.Source {
	if c.Network.Seed == 0 {
		return nil
	}
	return rand.NewPCG(c.Network.Seed, c.Network.Seed)
}

func (c *Config) ActivationConfig() ml.ActivationConfig {
	return ml.ActivationConfig{Hidden: c.Network.Hidden, Output: c.Network.Output}
}

// EmbeddingConfig sizes the embedding model for noteRange-wide frames. It
// shares the seed and training settings of the main network.
func (c *Config) EmbeddingConfig(noteRange int) embedding.Config {
	w := embedding.DefaultWeights
	w.Src = c.source()
	return embedding.Config{
		Dim:          c.Embedding.Dim,
		NoteRange:    noteRange,
		Radius:       c.Embedding.Radius,
		BatchSize:    c.Training.BatchSize,
		Weights:      w,
		LearningRate: c.Training.LearningRate,
	}
}
