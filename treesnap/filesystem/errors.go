package filesystem

import "errors"

// Common error types used across filesystem packages
var (
	ErrPathEmpty        = errors.New("path cannot be empty")
	ErrRootInaccessible = errors.New("root directory is not accessible")
	ErrNotDirectory     = errors.New("path is not a directory")
)
