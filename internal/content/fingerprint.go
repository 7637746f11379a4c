package content

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// DefaultLeadingBytes approximates the first 30 seconds of a 320 kbps stream.
const DefaultLeadingBytes = 30 * 320_000 / 8

// Fingerprinter produces an audio fingerprint for a file.
type Fingerprinter interface {
	Fingerprint(path string) ([]byte, error)
}

// LeadingBytesFingerprinter hashes the file size and the first N bytes.
// It is a coarse stand-in for an acoustic fingerprint: re-encodes of the
// same recording will not match, but identical files always do.
type LeadingBytesFingerprinter struct {
	n int64
}

// NewLeadingBytesFingerprinter returns a fingerprinter reading at most n bytes.
func NewLeadingBytesFingerprinter(n int64) *LeadingBytesFingerprinter {
	return &LeadingBytesFingerprinter{n: n}
}

func (f *LeadingBytesFingerprinter) Fingerprint(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audio file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat audio file: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("audio file is empty: %s", path)
	}

	h := sha256.New()
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(info.Size()))
	h.Write(size[:])
	if _, err := io.CopyN(h, file, f.n); err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading audio file: %w", err)
	}
	return h.Sum(nil), nil
}
