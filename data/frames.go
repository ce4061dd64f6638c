package data

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrFrames marks a frame file that cannot be used as a sequence.
var ErrFrames = errors.New("invalid frame data")

// -------------------------------------------------------------
// LoadFrames
// -------------------------------------------------------------

// LoadFrames reads one frame per CSV record. Every record must have the same
// number of fields; lines starting with '#' are skipped.
func LoadFrames(path string) ([][]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open frames %s", path)
	}
	defer file.Close()

	frames, err := ReadFrames(file)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return frames, nil
}

func ReadFrames(r io.Reader) ([][]float64, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	var frames [][]float64
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrFrames, "%v", err)
		}

		frame := make([]float64, len(record))
		for j, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				line, _ := reader.FieldPos(j)
				return nil, errors.Wrapf(ErrFrames, "line %d field %d: %q is not a number", line, j, field)
			}
			frame[j] = v
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return nil, errors.Wrap(ErrFrames, "no frames")
	}
	return frames, nil
}

// -------------------------------------------------------------
// WriteFrames
// -------------------------------------------------------------

func WriteFrames(path string, frames [][]float64) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create frames %s", path)
	}
	writer := csv.NewWriter(file)
	record := []string{}
	for _, frame := range frames {
		record = record[:0]
		for _, v := range frame {
			record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			file.Close()
			return errors.Wrapf(err, "write frames %s", path)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return errors.Wrapf(err, "write frames %s", path)
	}
	return errors.Wrapf(file.Close(), "close frames %s", path)
}

// -------------------------------------------------------------
// MinMaxNormalize
// -------------------------------------------------------------

// MinMaxNormalize rescales all frames in place so that the smallest value
// becomes 0 and the largest 1. Constant input becomes all zeros.
func MinMaxNormalize(frames [][]float64) {
	lo, hi, ok := bounds(frames)
	if !ok {
		return
	}
	span := hi - lo
	for _, frame := range frames {
		floats.AddConst(-lo, frame)
		if span > 0 {
			floats.Scale(1/span, frame)
		}
	}
}

func bounds(frames [][]float64) (lo, hi float64, ok bool) {
	for _, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		fmin, fmax := floats.Min(frame), floats.Max(frame)
		if !ok || fmin < lo {
			lo = fmin
		}
		if !ok || fmax > hi {
			hi = fmax
		}
		ok = true
	}
	return lo, hi, ok
}
