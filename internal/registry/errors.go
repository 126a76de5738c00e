package registry

import "errors"

var (
	// ErrNotFound is returned when a referenced agent or work unit does
	// not exist in the registry.
	ErrNotFound = errors.New("registry: not found")
)
