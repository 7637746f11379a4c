package testutil

import (
	"crypto/ed25519"
	"crypto/sha256"

	"meshstat/internal/encryption"
	"meshstat/internal/identity"
	"meshstat/internal/mesh"
	"meshstat/internal/model"
)

// StaticSigner is a device identity with a fixed ID and a key derived
// deterministically from it.
type StaticSigner struct {
	ID  string
	Key ed25519.PrivateKey
}

var _ mesh.Signer = (*StaticSigner)(nil)

// NewStaticSigner creates a signer for deviceID.
func NewStaticSigner(deviceID string) *StaticSigner {
	seed := sha256.Sum256([]byte(deviceID))
	return &StaticSigner{ID: deviceID, Key: ed25519.NewKeyFromSeed(seed[:])}
}

func (s *StaticSigner) DeviceID() (string, error) { return s.ID, nil }

func (s *StaticSigner) PublicKey() (ed25519.PublicKey, error) {
	return s.Key.Public().(ed25519.PublicKey), nil
}

func (s *StaticSigner) Sign(rec model.Record) error {
	return identity.SignWith(s.Key, rec)
}

// NewTestSealer returns a reversible, non-cryptographic key sealer.
func NewTestSealer() identity.Sealer {
	return encryption.NewTestSealer()
}
