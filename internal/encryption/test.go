package encryption

import (
	"bytes"
	"fmt"
	"io"

	"meshstat/internal/identity"
)

// testHeader is prepended by TestSealer so sealed output differs from the
// plaintext while remaining deterministic and trivially reversible.
var testHeader = []byte("MSSEAL\x00\x00")

// TestSealer is a deterministic, non-cryptographic sealer for tests.
type TestSealer struct{}

var _ identity.Sealer = (*TestSealer)(nil)

// NewTestSealer creates a TestSealer.
func NewTestSealer() *TestSealer {
	return &TestSealer{}
}

func (s *TestSealer) Seal(plaintext []byte, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	return nil
}

func (s *TestSealer) Open(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading sealed data: %w", err)
	}
	if !bytes.HasPrefix(data, testHeader) {
		return nil, fmt.Errorf("missing test header")
	}
	return data[len(testHeader):], nil
}
