package ml

import (
	"bufio"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// WriteTo writes the network in the line format ReadNetwork accepts:
//
//	layers
//	input size
//	output size
//	u0,u1,...
//	Layers+1 weight records "rows,cols#v0,v1,..."
//	Layers recurrence weight records (recurrent networks only)
//	Layers+1 bias records "len#v0,v1,..."
//	hidden activation name
//	output activation name
func (nw *Network) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	line := func(s string) error {
		n, err := bw.WriteString(s)
		total += int64(n)
		if err != nil {
			return err
		}
		err = bw.WriteByte('\n')
		if err == nil {
			total++
		}
		return err
	}

	units := make([]string, len(nw.unitsByLayer))
	for i, u := range nw.unitsByLayer {
		units[i] = strconv.Itoa(u)
	}
	records := []string{
		strconv.Itoa(nw.layers),
		strconv.Itoa(nw.inputSize),
		strconv.Itoa(nw.outputSize),
		strings.Join(units, ","),
	}
	for _, r := range records {
		if err := line(r); err != nil {
			return total, err
		}
	}
	for _, wt := range nw.hiddenWeights {
		if err := line(wt.String()); err != nil {
			return total, err
		}
	}
	for _, wt := range nw.recurrenceWeights {
		if err := line(wt.String()); err != nil {
			return total, err
		}
	}
	for _, b := range nw.biases {
		if err := line(b.String()); err != nil {
			return total, err
		}
	}
	if err := line(nw.hiddenAct.String()); err != nil {
		return total, err
	}
	if err := line(nw.outputAct.String()); err != nil {
		return total, err
	}
	return total, bw.Flush()
}

// SaveToFile writes the network to filename. The file is replaced atomically
// so an interrupted save never leaves a truncated model behind.
func (nw *Network) SaveToFile(filename string) error {
	dir, base := filepath.Split(filename)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, base+".tmp*")
	if err != nil {
		return errors.Wrap(err, "create temp model file")
	}
	defer os.Remove(tmp.Name())

	if _, err := nw.WriteTo(tmp); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write model %s", filename)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "chmod model %s", filename)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync model %s", filename)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close model %s", filename)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return errors.Wrapf(err, "replace model %s", filename)
	}
	nw.logger.Info("model saved", "path", filename)
	return nil
}

// LoadFromFile reads a network saved with SaveToFile. A missing file yields
// ErrModelNotFound; every other failure is fatal.
func LoadFromFile(filename string, opts ...Option) (*Network, error) {
	file, err := os.Open(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(ErrModelNotFound, filename)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open model %s", filename)
	}
	defer file.Close()

	nw, err := ReadNetwork(file, opts...)
	if err != nil {
		return nil, errors.WithMessage(err, filename)
	}
	return nw, nil
}

// ReadNetwork parses the format written by WriteTo. Whether the network is
// recurrent follows from the record after the hidden weights: a two
// dimensional header starts the recurrence weights, a one dimensional header
// the biases. FeedForward among opts has no effect.
//
// Nothing is returned unless every record parses and matches the topology in
// the header.
func ReadNetwork(r io.Reader, opts ...Option) (*Network, error) {
	lr := &lineReader{r: bufio.NewReader(r)}

	params, err := readHeader(lr)
	if err != nil {
		return nil, err
	}

	hidden := make([]*Weight, params.Layers+1)
	for i := range hidden {
		s, err := lr.next("hidden weight " + strconv.Itoa(i))
		if err != nil {
			return nil, err
		}
		in, out := params.boundaryDims(i)
		if hidden[i], err = parseWeightShaped(s, in, out); err != nil {
			return nil, errors.WithMessagef(err, "line %d: hidden weight %d", lr.n, i)
		}
	}

	s, err := lr.next("bias 0")
	if err != nil {
		return nil, err
	}
	var recurrence []*Weight
	if isMatrixRecord(s) {
		recurrence = make([]*Weight, params.Layers)
		for i := range recurrence {
			if i > 0 {
				if s, err = lr.next("recurrence weight " + strconv.Itoa(i)); err != nil {
					return nil, err
				}
			}
			u := params.UnitsByLayer[i]
			if recurrence[i], err = parseWeightShaped(s, u, u); err != nil {
				return nil, errors.WithMessagef(err, "line %d: recurrence weight %d", lr.n, i)
			}
		}
		if s, err = lr.next("bias 0"); err != nil {
			return nil, err
		}
	}

	biases := make([]*Bias, params.Layers+1)
	for i := range biases {
		if i > 0 {
			if s, err = lr.next("bias " + strconv.Itoa(i)); err != nil {
				return nil, err
			}
		}
		_, out := params.boundaryDims(i)
		if biases[i], err = parseBiasShaped(s, out); err != nil {
			return nil, errors.WithMessagef(err, "line %d: bias %d", lr.n, i)
		}
	}

	var acts ActivationConfig
	if s, err = lr.next("hidden activation"); err != nil {
		return nil, err
	}
	if acts.Hidden, err = ParseActivation(strings.TrimSpace(s)); err != nil {
		return nil, errors.WithMessagef(err, "line %d", lr.n)
	}
	if s, err = lr.next("output activation"); err != nil {
		return nil, err
	}
	if acts.Output, err = ParseActivation(strings.TrimSpace(s)); err != nil {
		return nil, errors.WithMessagef(err, "line %d", lr.n)
	}
	if err := lr.rest(); err != nil {
		return nil, err
	}

	nw := newShell(params, acts, opts...)
	nw.recurrent = recurrence != nil
	nw.hiddenWeights = hidden
	nw.recurrenceWeights = recurrence
	nw.biases = biases
	return nw, nil
}

func readHeader(lr *lineReader) (ParameterConfig, error) {
	var p ParameterConfig
	fields := []struct {
		name string
		dst  *int
	}{
		{"layer count", &p.Layers},
		{"input size", &p.InputSize},
		{"output size", &p.OutputSize},
	}
	for _, f := range fields {
		s, err := lr.next(f.name)
		if err != nil {
			return p, err
		}
		if *f.dst, err = parseDim(s); err != nil {
			return p, errors.WithMessagef(err, "line %d: %s", lr.n, f.name)
		}
	}

	s, err := lr.next("units by layer")
	if err != nil {
		return p, err
	}
	tokens := strings.Split(s, ",")
	if len(tokens) != p.Layers {
		return p, errors.Wrapf(ErrMalformed, "line %d: %d layers but %d unit counts", lr.n, p.Layers, len(tokens))
	}
	p.UnitsByLayer = make([]int, len(tokens))
	for i, tok := range tokens {
		if p.UnitsByLayer[i], err = parseDim(tok); err != nil {
			return p, errors.WithMessagef(err, "line %d: units of layer %d", lr.n, i)
		}
	}
	return p, nil
}

func parseWeightShaped(s string, rows, cols int) (*Weight, error) {
	w, err := ParseWeight(s)
	if err != nil {
		return nil, err
	}
	if r, c := w.Dims(); r != rows || c != cols {
		return nil, errors.Wrapf(ErrMalformed, "shape [%d, %d], want [%d, %d]", r, c, rows, cols)
	}
	return w, nil
}

func parseBiasShaped(s string, n int) (*Bias, error) {
	b, err := ParseBias(s)
	if err != nil {
		return nil, err
	}
	if b.Len() != n {
		return nil, errors.Wrapf(ErrMalformed, "length %d, want %d", b.Len(), n)
	}
	return b, nil
}

// isMatrixRecord reports whether the record header names two dimensions.
func isMatrixRecord(s string) bool {
	header, _, _ := strings.Cut(s, "#")
	return strings.Contains(header, ",")
}

// lineReader hands out lines without a length limit; weight records of wide
// layers easily exceed bufio.Scanner's default token size.
type lineReader struct {
	r *bufio.Reader
	n int
}

func (lr *lineReader) next(what string) (string, error) {
	s, err := lr.r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", errors.Wrapf(err, "read %s", what)
	}
	if err == io.EOF && s == "" {
		return "", errors.Wrapf(ErrMalformed, "unexpected end of data, missing %s", what)
	}
	lr.n++
	return strings.TrimRight(s, "\r\n"), nil
}

// rest fails if anything but blank lines follows the last record.
func (lr *lineReader) rest() error {
	for {
		s, err := lr.r.ReadString('\n')
		if strings.TrimSpace(s) != "" {
			return errors.Wrapf(ErrMalformed, "line %d: unexpected trailing data", lr.n+1)
		}
		lr.n++
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read trailing data")
		}
	}
}
