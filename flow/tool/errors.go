package tool

import "errors"

var (
	errEmptyName  = errors.New("tool name cannot be empty")
	errNilHandler = errors.New("tool handler cannot be nil")

	// ErrNotFound is returned when a tool lookup fails at call time.
	ErrNotFound = errors.New("tool not found")
)
