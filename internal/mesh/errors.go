package mesh

import "errors"

var (
	// ErrKeyConflict is returned when a device registers a public key that
	// differs from the one already on file.
	ErrKeyConflict = errors.New("device already registered with a different key")

	// ErrNoTransport is returned when a component needs to send but has no
	// transport.
	ErrNoTransport = errors.New("no transport configured")
)
