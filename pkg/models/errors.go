package models

import "errors"

// Pipeline error taxonomy. A record that fails display validation is not an
// error; it is filtered silently.
var (
	// ErrParse marks a malformed stream frame or record.
	ErrParse = errors.New("parse error")
	// ErrTransport marks a broken upstream connection.
	ErrTransport = errors.New("transport error")
	// ErrInvalidTimestamp marks a record whose timestamp could not be parsed.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	// ErrSnapshotExhausted marks a snapshot fetch that used every attempt without data.
	ErrSnapshotExhausted = errors.New("snapshot retries exhausted")
)
