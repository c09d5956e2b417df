package telemetry

import "errors"

var (
	// ErrIO is returned when a node file cannot be opened or decoded.
	ErrIO = errors.New("telemetry: io error")

	// ErrFormat is returned for node files whose name is not an integer node id,
	// or whose cells cannot be interpreted as the schema requires.
	ErrFormat = errors.New("telemetry: format error")

	// ErrSchema is returned when a node file's columns differ from the shared schema.
	ErrSchema = errors.New("telemetry: schema mismatch")

	// ErrNotFound is returned for a missing data directory or a rack without node files.
	ErrNotFound = errors.New("telemetry: not found")

	// ErrAmbiguousTimestamp is returned when a node file holds more than one
	// row for the requested timestamp.
	ErrAmbiguousTimestamp = errors.New("telemetry: ambiguous timestamp")
)
