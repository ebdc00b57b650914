package models

import "github.com/pkg/errors"

var (
	ErrNotFound  = errors.New("not found")
	ErrCorrupted = errors.New("corrupted data")
	ErrTranslate = errors.New("unable to translate address")
	ErrReadOnly  = errors.New("guest is read-only")
	ErrNoProcess = errors.New("no current process")
)
