package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"

	"meshstat/internal/config"
	"meshstat/internal/encryption"
	"meshstat/internal/identity"
)

// ErrNoPassphrase is returned when the key passphrase is neither in the
// environment nor obtainable from a terminal.
var ErrNoPassphrase = errors.New("no key passphrase available")

// PassphraseFunc supplies the passphrase that seals the signing key.
type PassphraseFunc func() (string, error)

// EnvOrPrompt reads the passphrase from the environment variable env, or
// prompts on the controlling terminal when it is unset.
func EnvOrPrompt(env string) PassphraseFunc {
	return func() (string, error) {
		if env != "" {
			if p := os.Getenv(env); p != "" {
				return p, nil
			}
		}
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("%w: set %s", ErrNoPassphrase, env)
		}
		fmt.Fprint(os.Stderr, "Key passphrase: ")
		p, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		if len(p) == 0 {
			return "", ErrNoPassphrase
		}
		return string(p), nil
	}
}

// lazySealer defers building the configured sealer, and so asking for the
// passphrase, until the signing key is first read or written.
type lazySealer struct {
	cfg        config.EncryptionConfig
	passphrase PassphraseFunc

	once   sync.Once
	sealer identity.Sealer
	err    error
}

var _ identity.Sealer = (*lazySealer)(nil)

func (s *lazySealer) get() (identity.Sealer, error) {
	s.once.Do(func() {
		var p string
		if s.cfg.Type != "test" {
			p, s.err = s.passphrase()
			if s.err != nil {
				return
			}
		}
		s.sealer, s.err = encryption.NewSealerFromConfig(s.cfg, p)
	})
	return s.sealer, s.err
}

func (s *lazySealer) Seal(plaintext []byte, w io.Writer) error {
	sealer, err := s.get()
	if err != nil {
		return err
	}
	return sealer.Seal(plaintext, w)
}

func (s *lazySealer) Open(r io.Reader) ([]byte, error) {
	sealer, err := s.get()
	if err != nil {
		return nil, err
	}
	return sealer.Open(r)
}
