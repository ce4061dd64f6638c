package ml

import "github.com/pkg/errors"

// ErrModelNotFound is the only recoverable failure in the package: the save
// file does not exist and the caller may start from a fresh network instead.
var ErrModelNotFound = errors.New("model file not found")

var (
	ErrMalformed         = errors.New("malformed model data")
	ErrUnknownActivation = errors.New("unknown activation")
	ErrInvalidConfig     = errors.New("invalid network configuration")
	ErrInputSize         = errors.New("input size mismatch")
	ErrTargetSize        = errors.New("target size mismatch")
	ErrMissingTarget     = errors.New("missing target vector")
	ErrShapeMismatch     = errors.New("shape mismatch")
	ErrBatchSize         = errors.New("invalid batch size")
)
