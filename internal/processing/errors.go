package processing

import "errors"

var (
	ErrCoordinatorClosed = errors.New("coordinator is shutting down")
	ErrInvalidConfig     = errors.New("invalid processing configuration")
)
