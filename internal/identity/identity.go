// Package identity manages the device's anonymized ID and its Ed25519
// signing key, and signs and verifies records.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	deviceIDFile  = "device_id"
	installIDFile = "install_id"
	privateFile   = "signing.key"
	publicFile    = "signing.pub"
)

// DeviceIDLength is the number of hex characters in a DeviceID.
const DeviceIDLength = 64

// ErrCorruptKey is returned when the stored signing key cannot be used.
// The key is never regenerated automatically: doing so would change the
// device's identity and orphan every record it has signed.
var ErrCorruptKey = errors.New("identity: stored signing key is corrupt")

// Sealer encrypts small secrets at rest.
type Sealer interface {
	Seal(plaintext []byte, w io.Writer) error
	Open(r io.Reader) ([]byte, error)
}

// KeyPair is the device's signing key.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Identity lazily derives and persists the device ID and key pair under dir.
// Safe for concurrent use.
type Identity struct {
	dir      string
	sealer   Sealer
	platform Platform

	mu       sync.Mutex
	deviceID string
	keys     *KeyPair
}

// New creates an Identity rooted at dir.
func New(dir string, sealer Sealer, platform Platform) *Identity {
	if platform == nil {
		platform = OSPlatform{}
	}
	return &Identity{dir: dir, sealer: sealer, platform: platform}
}

// DeviceID returns the stable device ID, deriving and persisting it on
// first use. A persisted value that is not 64 hex characters is treated
// as corrupt and replaced.
func (id *Identity) DeviceID() (string, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.deviceID != "" {
		return id.deviceID, nil
	}

	path := filepath.Join(id.dir, deviceIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if v := strings.TrimSpace(string(data)); validDeviceID(v) {
			id.deviceID = v
			return v, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	installID, err := id.installID()
	if err != nil {
		return "", err
	}

	v := DeriveDeviceID(id.platform.PlatformID(), installID, id.platform.HardwareID())
	if err := writeFileAtomic(path, []byte(v+"\n"), 0644); err != nil {
		return "", fmt.Errorf("writing device id: %w", err)
	}
	id.deviceID = v
	return v, nil
}

// installID returns the per-install UUID, creating it if needed.
func (id *Identity) installID() (string, error) {
	path := filepath.Join(id.dir, installIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if u, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return u.String(), nil
		}
	}
	v := uuid.New().String()
	if err := writeFileAtomic(path, []byte(v+"\n"), 0600); err != nil {
		return "", fmt.Errorf("writing install id: %w", err)
	}
	return v, nil
}

// DeriveDeviceID hashes the three identity inputs into a DeviceID.
func DeriveDeviceID(platformID, installID, hardwareID string) string {
	h := sha256.New()
	for _, part := range []string{platformID, installID, hardwareID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:DeviceIDLength]
}

func validDeviceID(s string) bool {
	if len(s) != DeviceIDLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// KeyPair returns the signing key, generating and sealing it on first use.
func (id *Identity) KeyPair() (*KeyPair, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.keys != nil {
		return id.keys, nil
	}

	privPath := filepath.Join(id.dir, privateFile)
	sealed, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		seed, err := id.sealer.Open(bytes.NewReader(sealed))
		if err != nil {
			return nil, fmt.Errorf("unsealing signing key: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: seed is %d bytes", ErrCorruptKey, len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		id.keys = &KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}
		return id.keys, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	var buf bytes.Buffer
	if err := id.sealer.Seal(priv.Seed(), &buf); err != nil {
		return nil, fmt.Errorf("sealing signing key: %w", err)
	}
	if err := writeFileAtomic(privPath, buf.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("writing signing key: %w", err)
	}
	pubPath := filepath.Join(id.dir, publicFile)
	if err := writeFileAtomic(pubPath, []byte(hex.EncodeToString(pub)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}

	id.keys = &KeyPair{Public: pub, Private: priv}
	return id.keys, nil
}

// PublicKey returns the signing public key.
func (id *Identity) PublicKey() (ed25519.PublicKey, error) {
	kp, err := id.KeyPair()
	if err != nil {
		return nil, err
	}
	return kp.Public, nil
}

// IsConfigured reports whether a signing key has been created.
func (id *Identity) IsConfigured() bool {
	_, err := os.Stat(filepath.Join(id.dir, privateFile))
	return err == nil
}

// writeFileAtomic writes data to a temp file and renames it into place so
// a crash never leaves a half-written identity file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
