package encryption

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"

	"meshstat/internal/identity"
)

// AgeSealer implements identity.Sealer using filippo.io/age scrypt
// passphrase encryption. The sealed form is a standard age file, so a
// sealed key can be inspected with the age CLI.
type AgeSealer struct {
	passphrase string
	workFactor int
}

var _ identity.Sealer = (*AgeSealer)(nil)

// NewAgeSealer creates a sealer for passphrase. workFactor is the scrypt
// log2(N) used when sealing; zero keeps age's default.
func NewAgeSealer(passphrase string, workFactor int) *AgeSealer {
	return &AgeSealer{passphrase: passphrase, workFactor: workFactor}
}

// Seal encrypts plaintext with the passphrase and writes it to w.
func (s *AgeSealer) Seal(plaintext []byte, w io.Writer) error {
	if s.passphrase == "" {
		return fmt.Errorf("sealing key: passphrase is empty")
	}

	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	encWriter, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}

	if _, err := encWriter.Write(plaintext); err != nil {
		return fmt.Errorf("writing sealed data: %w", err)
	}

	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalizing sealed data: %w", err)
	}

	return nil
}

// Open decrypts sealed data read from r. A wrong passphrase is an error.
func (s *AgeSealer) Open(r io.Reader) ([]byte, error) {
	id, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	decReader, err := age.Decrypt(r, id)
	if err != nil {
		return nil, fmt.Errorf("decrypting sealed data: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, decReader); err != nil {
		return nil, fmt.Errorf("reading sealed data: %w", err)
	}

	return buf.Bytes(), nil
}
