package siren

import "errors"

// Domain errors for the siren package.
var (
	// ErrInvalidCommand is returned for a command that is not exactly one shape.
	ErrInvalidCommand = errors.New("siren: invalid command")

	// ErrInvalidPayload is returned when a wire payload cannot be decoded.
	ErrInvalidPayload = errors.New("siren: invalid payload")

	// ErrInvalidDevice is returned for an empty or topic-unsafe device name.
	ErrInvalidDevice = errors.New("siren: invalid device id")

	// ErrSinkPanic is recorded when a CommandSink panics during Publish.
	ErrSinkPanic = errors.New("siren: sink panicked")
)
