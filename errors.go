package pqm

import "errors"

// Errors returned by the device, attribute store and streaming engine.
// Callers should compare with errors.Is, because most are wrapped with context.
var (
	// ErrNoDevice means the device (or the streamer holding it) is nil.
	ErrNoDevice = errors.New("no device")

	// ErrInvalidArgument covers out-of-range attribute ids, unknown enumeration
	// kinds, unmatched enumeration strings and unknown channel kinds.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfRange means a sample offset (or channel) beyond the source's extent.
	ErrOutOfRange = errors.New("out of range")

	// ErrCaptureFull means a capture already holds its most scans.
	ErrCaptureFull = errors.New("capture is full")
)
