package scanner

import (
	"errors"

	"github.com/yourorg/darkstar/internal/model"
)

var (
	// ErrScannerUnavailable means the tool or service could not be reached
	// at all. The job fails.
	ErrScannerUnavailable = errors.New("scanner unavailable")
	// ErrScannerTimeout means the deadline passed or the request was
	// cancelled. Whatever was collected is still returned.
	ErrScannerTimeout = errors.New("scanner timed out")
	ErrUnknownScanner = errors.New("unknown scanner")
	// ErrUnknownMode is model.ErrUnknownMode, which ParseMode also returns.
	ErrUnknownMode = model.ErrUnknownMode
)
