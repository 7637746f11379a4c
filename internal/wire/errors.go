package wire

import (
	"errors"
	"fmt"
)

// Decode failure causes. A *DecodeError wraps exactly one of these.
var (
	ErrTruncated      = errors.New("truncated input")
	ErrTrailingData   = errors.New("trailing bytes after message")
	ErrInvalidUTF8    = errors.New("string is not valid UTF-8")
	ErrInvalidEnum    = errors.New("enum value out of range")
	ErrInvalidFlag    = errors.New("presence flag is neither 0 nor 1")
	ErrUnknownMessage = errors.New("unknown message type")
)

// Encode failure causes.
var (
	ErrFieldTooLong = errors.New("field exceeds 65535 bytes")
	ErrTooMany      = errors.New("collection exceeds 65535 elements")
)

// DecodeError reports malformed wire data. Callers drop the message.
type DecodeError struct {
	Op     string // message or record being decoded
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("wire: decode at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("wire: decode %s at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err came from decoding malformed input.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
