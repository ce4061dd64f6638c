package ml

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
)

const (
	ActNone Activation = iota
	ActRelu
	ActSigmoid
)

// Activation is one of the fixed set of element-wise nonlinearities. The
// string form is the key written to save files.
type Activation int

func ParseActivation(name string) (Activation, error) {
	switch name {
	case "none":
		return ActNone, nil
	case "relu":
		return ActRelu, nil
	case "sigmoid":
		return ActSigmoid, nil
	}
	return 0, errors.Wrapf(ErrUnknownActivation, "%q", name)
}

func (a Activation) String() string {
	switch a {
	case ActNone:
		return "none"
	case ActRelu:
		return "relu"
	case ActSigmoid:
		return "sigmoid"
	}
	return "activation(" + strconv.Itoa(int(a)) + ")"
}

// Of evaluates the activation at x.
func (a Activation) Of(x float64) float64 {
	switch a {
	case ActRelu:
		return Relu(x)
	case ActSigmoid:
		return Sigmoid(x)
	}
	return x
}

// Deriv evaluates the derivative of the activation at the pre-activation x.
func (a Activation) Deriv(x float64) float64 {
	switch a {
	case ActRelu:
		return ReluDerivative(x)
	case ActSigmoid:
		s := Sigmoid(x)
		return s * (1 - s)
	}
	return 1
}

func (a Activation) valid() bool {
	return a >= ActNone && a <= ActSigmoid
}

func (a Activation) MarshalText() ([]byte, error) {
	if !a.valid() {
		return nil, errors.Wrapf(ErrUnknownActivation, "%d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Activation) UnmarshalText(text []byte) error {
	act, err := ParseActivation(string(text))
	if err != nil {
		return err
	}
	*a = act
	return nil
}

// apply writes a(src[i]) into dst[i].
func (a Activation) apply(dst, src []float64) {
	for i, v := range src {
		dst[i] = a.Of(v)
	}
}

func Relu(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func ReluDerivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
