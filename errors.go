package updater

import "errors"

var (
	ErrIllegalArgument = errors.New("error in arguments")
	ErrTimeout         = errors.New("operation timed out")
	ErrInvalidState    = errors.New("invalid state for this operation")
)
