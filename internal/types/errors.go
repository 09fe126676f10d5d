package types

import "errors"

var (
	// ErrDuplicateKey is returned by strict bulk inserts when an id already exists
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNoGeometry is returned when a record has no stored geometry
	ErrNoGeometry = errors.New("record has no geometry")

	// ErrMalformedGeometry is returned when a stored geometry cannot be decoded
	ErrMalformedGeometry = errors.New("malformed geometry")
)
