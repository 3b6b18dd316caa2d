package repo

import "errors"

// Error kinds surfaced by the core. The API layer owns mapping these to
// transport responses; inside the core they are matched with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrLocked       = errors.New("locked resource")
	ErrCycle        = errors.New("dependency cycle")
)
