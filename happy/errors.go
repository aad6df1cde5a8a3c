package happy

import "errors"

var (
	// ErrDictArgs is returned when training or evaluation arguments are
	// passed as a map instead of the typed argument struct.
	ErrDictArgs = errors.New("map-based args are no longer supported, use the typed args struct")

	// ErrInvalidArgs is returned for arguments of the wrong type or shape.
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrIncompatibleArgs is returned for argument combinations that cannot be honored.
	ErrIncompatibleArgs = errors.New("incompatible arguments")

	// ErrNoMask is returned when word prediction input has no mask token.
	ErrNoMask = errors.New("text does not contain a mask token")

	// ErrUnsupported is returned when the backend cannot perform an operation.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrEmptyDataset is returned when a data file yields no usable cases.
	ErrEmptyDataset = errors.New("dataset is empty")
)
