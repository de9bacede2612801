package target

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTargetSpec = errors.New("invalid target spec")
	ErrTargetSetTooLarge = errors.New("target set too large")
	ErrNoTargets         = fmt.Errorf("%w: no valid targets", ErrInvalidTargetSpec)
)
