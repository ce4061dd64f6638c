package ml

import (
	"math"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Weight is a (rows, cols) parameter matrix. The flat row-major slice and the
// gonum wrapper share memory.
type Weight struct {
	rows, cols int
	data       []float64
	dense      *mat.Dense
}

// Bias is a parameter vector added to the output of a weight product.
type Bias struct {
	data []float64
	vec  *mat.VecDense
}

// -------- CONSTRUCTORS ------- //
func NewWeight(rows, cols int) *Weight {
	return NewWeightFromSlice(rows, cols, make([]float64, rows*cols))
}

func NewWeightFromSlice(rows, cols int, data []float64) *Weight {
	if len(data) != rows*cols {
		panic("Slice length mismatch")
	}
	return &Weight{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// RandomWeight draws every element uniformly from [lo, hi). A nil src uses
// the global generator.
func RandomWeight(rows, cols int, lo, hi float64, src rand.Source) *Weight {
	w := NewWeight(rows, cols)
	fillUniform(w.data, lo, hi, src)
	return w
}

func NewBias(n int) *Bias {
	return NewBiasFromSlice(make([]float64, n))
}

func NewBiasFromSlice(data []float64) *Bias {
	return &Bias{
		data: data,
		vec:  mat.NewVecDense(len(data), data),
	}
}

func RandomBias(n int, lo, hi float64, src rand.Source) *Bias {
	b := NewBias(n)
	fillUniform(b.data, lo, hi, src)
	return b
}

func fillUniform(dst []float64, lo, hi float64, src rand.Source) {
	dist := distuv.Uniform{Min: lo, Max: hi, Src: src}
	for i := range dst {
		dst[i] = dist.Rand()
	}
}

// ------- WEIGHT METHODS ------ //
func (w *Weight) Dims() (int, int) { return w.rows, w.cols }

func (w *Weight) At(i, j int) float64 { return w.data[i*w.cols+j] }

func (w *Weight) Set(i, j int, v float64) { w.data[i*w.cols+j] = v }

// RawData exposes the row-major backing slice.
func (w *Weight) RawData() []float64 { return w.data }

func (w *Weight) Reset() {
	for i := range w.data {
		w.data[i] = 0
	}
}

func (w *Weight) Clone() *Weight {
	return NewWeightFromSlice(w.rows, w.cols, append([]float64(nil), w.data...))
}

// Add accumulates g into w element-wise.
func (w *Weight) Add(g *Weight) error {
	if err := w.sameShape(g); err != nil {
		return err
	}
	floats.Add(w.data, g.data)
	return nil
}

// Update performs one gradient-descent step, w -= lr * grad.
func (w *Weight) Update(grad *Weight, lr float64) error {
	if err := w.sameShape(grad); err != nil {
		return err
	}
	floats.AddScaled(w.data, -lr, grad.data)
	return nil
}

func (w *Weight) sameShape(o *Weight) error {
	if w.rows != o.rows || w.cols != o.cols {
		return errors.Wrapf(ErrShapeMismatch, "weight [%d, %d] vs [%d, %d]", w.rows, w.cols, o.rows, o.cols)
	}
	return nil
}

// mulRow computes the row vector a·w.
func (w *Weight) mulRow(a []float64) []float64 {
	out := make([]float64, w.cols)
	dst := mat.NewVecDense(w.cols, out)
	dst.MulVec(w.dense.T(), mat.NewVecDense(w.rows, a))
	return out
}

// mulCol computes the column vector w·g.
func (w *Weight) mulCol(g []float64) []float64 {
	out := make([]float64, w.rows)
	dst := mat.NewVecDense(w.rows, out)
	dst.MulVec(w.dense, mat.NewVecDense(w.cols, g))
	return out
}

// outer returns the (len(a), len(g)) matrix a ⊗ g.
func outer(a, g []float64) *Weight {
	w := NewWeight(len(a), len(g))
	w.dense.Outer(1, mat.NewVecDense(len(a), a), mat.NewVecDense(len(g), g))
	return w
}

// String renders "rows,cols#v0,v1,...", row-major.
func (w *Weight) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(w.rows))
	sb.WriteByte(',')
	sb.WriteString(strconv.Itoa(w.cols))
	sb.WriteByte('#')
	writeValues(&sb, w.data)
	return sb.String()
}

func ParseWeight(s string) (*Weight, error) {
	header, body, ok := strings.Cut(s, "#")
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "weight record has no '#' separator")
	}
	dims := strings.Split(header, ",")
	if len(dims) != 2 {
		return nil, errors.Wrapf(ErrMalformed, "weight header %q must be rows,cols", header)
	}
	rows, err := parseDim(dims[0])
	if err != nil {
		return nil, err
	}
	cols, err := parseDim(dims[1])
	if err != nil {
		return nil, err
	}
	if cols > math.MaxInt/rows {
		return nil, errors.Wrapf(ErrMalformed, "weight [%d, %d] is too large", rows, cols)
	}
	values, err := parseValues(body, rows*cols)
	if err != nil {
		return nil, errors.WithMessagef(err, "weight [%d, %d]", rows, cols)
	}
	return NewWeightFromSlice(rows, cols, values), nil
}

// ------- BIAS METHODS ------ //
func (b *Bias) Len() int { return len(b.data) }

func (b *Bias) At(i int) float64 { return b.data[i] }

func (b *Bias) Set(i int, v float64) { b.data[i] = v }

func (b *Bias) RawData() []float64 { return b.data }

func (b *Bias) Reset() {
	for i := range b.data {
		b.data[i] = 0
	}
}

func (b *Bias) Clone() *Bias {
	return NewBiasFromSlice(append([]float64(nil), b.data...))
}

func (b *Bias) Add(g *Bias) error {
	if err := b.sameShape(g); err != nil {
		return err
	}
	b.vec.AddVec(b.vec, g.vec)
	return nil
}

// Update performs one gradient-descent step, b -= lr * grad.
func (b *Bias) Update(grad *Bias, lr float64) error {
	if err := b.sameShape(grad); err != nil {
		return err
	}
	b.vec.AddScaledVec(b.vec, -lr, grad.vec)
	return nil
}

func (b *Bias) sameShape(o *Bias) error {
	if len(b.data) != len(o.data) {
		return errors.Wrapf(ErrShapeMismatch, "bias %d vs %d", len(b.data), len(o.data))
	}
	return nil
}

// String renders "len#v0,v1,...".
func (b *Bias) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(len(b.data)))
	sb.WriteByte('#')
	writeValues(&sb, b.data)
	return sb.String()
}

func ParseBias(s string) (*Bias, error) {
	header, body, ok := strings.Cut(s, "#")
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "bias record has no '#' separator")
	}
	n, err := parseDim(header)
	if err != nil {
		return nil, err
	}
	values, err := parseValues(body, n)
	if err != nil {
		return nil, errors.WithMessagef(err, "bias [%d]", n)
	}
	return NewBiasFromSlice(values), nil
}

// ------ UTILITY FUNCTIONS ------
func writeValues(sb *strings.Builder, data []float64) {
	buf := make([]byte, 0, 24)
	for i, v := range data {
		if i > 0 {
			sb.WriteByte(',')
		}
		buf = strconv.AppendFloat(buf[:0], v, 'g', -1, 64)
		sb.Write(buf)
	}
}

func parseDim(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "dimension %q is not an integer", s)
	}
	if n < 1 {
		return 0, errors.Wrapf(ErrMalformed, "dimension %d must be positive", n)
	}
	return n, nil
}

func parseValues(body string, want int) ([]float64, error) {
	tokens := strings.Split(body, ",")
	if len(tokens) != want {
		return nil, errors.Wrapf(ErrMalformed, "expected %d values, got %d", want, len(tokens))
	}
	values := make([]float64, want)
	for i, tok := range tokens {
		v, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "value %d: %q is not a number", i, tok)
		}
		values[i] = v
	}
	return values, nil
}
