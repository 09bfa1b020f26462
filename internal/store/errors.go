package store

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("concurrent update conflict")
	ErrAlreadyExists = errors.New("already exists")
)
