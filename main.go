package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/LlanAiu/music-transcriber/config"
	"github.com/LlanAiu/music-transcriber/converter"
	"github.com/LlanAiu/music-transcriber/data"
	"github.com/LlanAiu/music-transcriber/embedding"
)

const usage = `usage: transcriber <train|predict|embed> [flags]

  train    fit the model to -spectrum and -notes, saving it to -model
  predict  transcribe -spectrum with the saved model into -output
  embed    learn frame embeddings of -notes, saving the model to
           -embedding-model and the embeddings to -output
`

// -------- MAIN -------- //
func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, stderr io.Writer) error {
	if len(args) == 0 || (args[0] != "train" && args[0] != "predict" && args[0] != "embed") {
		fmt.Fprint(stderr, usage)
		return errors.New("missing or unknown mode")
	}
	mode := args[0]

	fs := flag.NewFlagSet(mode, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML run configuration")
	var o config.Overrides
	fs.StringVar(&o.Model, "model", "", "model file")
	fs.StringVar(&o.EmbeddingModel, "embedding-model", "", "embedding model file (embed only)")
	fs.StringVar(&o.Spectrum, "spectrum", "", "spectrogram frames (CSV)")
	fs.StringVar(&o.Notes, "notes", "", "note frames (CSV, train and embed)")
	fs.StringVar(&o.Output, "output", "", "decoded note frames or embeddings (CSV, predict and embed)")
	fs.IntVar(&o.Epochs, "epochs", 0, "training passes over the sequence")
	fs.IntVar(&o.BatchSize, "batch", 0, "timesteps per update")
	fs.Float64Var(&o.Cutoff, "cutoff", 0, "activation threshold for a note")
	fs.StringVar(&o.LogLevel, "log-level", "", "debug, info, warn or error")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	// 1. Configuration
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})).
		With("run_id", uuid.NewString(), "mode", mode)

	if mode == "embed" {
		return embed(cfg, logger)
	}

	// 2. Load Data
	if cfg.Spectrum == "" {
		return errors.New("no spectrum file given")
	}
	frames, err := data.LoadFrames(cfg.Spectrum)
	if err != nil {
		return err
	}
	if cfg.Normalize {
		data.MinMaxNormalize(frames)
	}
	spectrum := converter.Frames{Vectors: frames, Step: cfg.Timestep}
	logger.Info("loaded spectrum", "path", cfg.Spectrum, "frames", len(frames), "bins", len(frames[0]))

	if mode == "predict" {
		return predict(cfg, spectrum, logger)
	}
	return train(cfg, spectrum, logger)
}

func converterConfig(cfg *config.Config, inputSize, outputSize int, logger *slog.Logger) converter.Config {
	return converter.Config{
		Params:       cfg.ParameterConfig(inputSize, outputSize),
		Weights:      cfg.WeightConfig(),
		Activations:  cfg.ActivationConfig(),
		BatchSize:    cfg.Training.BatchSize,
		LearningRate: cfg.Training.LearningRate,
		FeedForward:  cfg.Network.FeedForward,
		Logger:       logger,
	}
}

func train(cfg *config.Config, spectrum converter.Frames, logger *slog.Logger) error {
	if cfg.Notes == "" {
		return errors.New("no notes file given")
	}
	notes, err := data.LoadFrames(cfg.Notes)
	if err != nil {
		return err
	}
	target := converter.Encoding{Frames: notes, Timestep: cfg.Timestep}

	c, fresh, err := converter.Open(cfg.Model, converterConfig(cfg, len(spectrum.Vectors[0]), len(notes[0]), logger))
	if err != nil {
		return err
	}
	net := c.Network()
	logger.Info("model ready", "path", cfg.Model, "fresh", fresh, "layers", net.Layers(), "units", net.UnitsByLayer())

	// Training and the interrupt handler share the network
	var mu sync.Mutex
	stop := setupSignalHandler(c, &mu, cfg.Model, logger)
	defer stop()

	start := time.Now()
	for epoch := 1; epoch <= cfg.Training.Epochs; epoch++ {
		mu.Lock()
		err := c.Update(spectrum, target)
		var mse float64
		if err == nil {
			mse, err = net.MeanSquaredError(spectrum.Vectors, notes)
		}
		mu.Unlock()
		if err != nil {
			return errors.WithMessagef(err, "epoch %d", epoch)
		}
		logger.Info("epoch done", "epoch", epoch, "mse", mse, "elapsed", time.Since(start))
	}

	mu.Lock()
	defer mu.Unlock()
	if err := c.Save(cfg.Model); err != nil {
		return err
	}
	logger.Info("training complete", "epochs", cfg.Training.Epochs, "elapsed", time.Since(start))
	return nil
}

func predict(cfg *config.Config, spectrum converter.Frames, logger *slog.Logger) error {
	if cfg.Output == "" {
		return errors.New("no output file given")
	}
	c, err := converter.Load(cfg.Model, converterConfig(cfg, 0, 0, logger))
	if err != nil {
		return err
	}
	enc, err := c.Translate(spectrum, cfg.Cutoff)
	if err != nil {
		return err
	}

	active := 0
	for t := range enc.Frames {
		active += len(enc.Active(t))
	}
	if err := data.WriteFrames(cfg.Output, enc.Frames); err != nil {
		return err
	}
	logger.Info("transcribed", "frames", len(enc.Frames), "active_notes", active, "cutoff", cfg.Cutoff, "output", cfg.Output)
	return nil
}

// embed trains the embedding model on the note frames and writes one
// embedding vector per frame.
func embed(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Notes == "" {
		return errors.New("no notes file given")
	}
	if cfg.Output == "" {
		return errors.New("no output file given")
	}
	notes, err := data.LoadFrames(cfg.Notes)
	if err != nil {
		return err
	}
	enc := converter.Encoding{Frames: notes, Timestep: cfg.Timestep}

	ecfg := cfg.EmbeddingConfig(len(notes[0]))
	ecfg.Logger = logger
	m, fresh, err := embedding.Open(cfg.Embedding.Model, ecfg)
	if err != nil {
		return err
	}
	logger.Info("embedding model ready", "path", cfg.Embedding.Model, "fresh", fresh, "dim", cfg.Embedding.Dim, "radius", cfg.Embedding.Radius)

	start := time.Now()
	for epoch := 1; epoch <= cfg.Training.Epochs; epoch++ {
		if err := m.Learn(enc); err != nil {
			return errors.WithMessagef(err, "epoch %d", epoch)
		}
		logger.Debug("epoch done", "epoch", epoch, "elapsed", time.Since(start))
	}
	if err := m.Save(cfg.Embedding.Model); err != nil {
		return err
	}

	emb, err := m.Embed(enc)
	if err != nil {
		return err
	}
	if err := data.WriteFrames(cfg.Output, emb.Vectors); err != nil {
		return err
	}
	logger.Info("embedded", "frames", len(emb.Vectors), "dim", cfg.Embedding.Dim, "output", cfg.Output, "elapsed", time.Since(start))
	return nil
}

// setupSignalHandler captures SIGINT/SIGTERM to save the model safely
func setupSignalHandler(c *converter.Converter, mu *sync.Mutex, modelPath string, logger *slog.Logger) (stop func()) {
	sigChan := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn("interrupted, saving model", "signal", sig.String())
			mu.Lock()
			err := c.Save(modelPath)
			mu.Unlock()
			if err != nil {
				logger.Error("checkpoint failed", "err", err)
				os.Exit(1)
			}
			os.Exit(0)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}
