package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meshstat/internal/model"
)

// xorSealer is a reversible stand-in for age in tests.
type xorSealer struct{ key byte }

func (s xorSealer) Seal(plaintext []byte, w io.Writer) error {
	out := make([]byte, len(plaintext)+1)
	out[0] = s.key
	for i, b := range plaintext {
		out[i+1] = b ^ s.key
	}
	_, err := w.Write(out)
	return err
}

func (s xorSealer) Open(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || data[0] != s.key {
		return nil, errors.New("wrong passphrase")
	}
	out := make([]byte, len(data)-1)
	for i, b := range data[1:] {
		out[i] = b ^ s.key
	}
	return out, nil
}

var testPlatform = StaticPlatform{Platform: "machine-1", Hardware: "aa:bb:cc:dd:ee:ff"}

func newTestIdentity(t *testing.T) (*Identity, string) {
	t.Helper()
	dir := t.TempDir()
	return New(dir, xorSealer{key: 0x5A}, testPlatform), dir
}

func TestDeviceID_StableAcrossInstances(t *testing.T) {
	id, dir := newTestIdentity(t)

	first, err := id.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID() error = %v", err)
	}
	if len(first) != DeviceIDLength {
		t.Errorf("len(DeviceID()) = %d, want %d", len(first), DeviceIDLength)
	}

	again, err := New(dir, xorSealer{key: 0x5A}, testPlatform).DeviceID()
	if err != nil {
		t.Fatalf("DeviceID() error = %v", err)
	}
	if again != first {
		t.Errorf("DeviceID() after restart = %q, want %q", again, first)
	}
}

func TestDeviceID_DiffersPerInstall(t *testing.T) {
	a, _ := newTestIdentity(t)
	b, _ := newTestIdentity(t)

	idA, err := a.DeviceID()
	if err != nil {
		t.Fatal(err)
	}
	idB, err := b.DeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if idA == idB {
		t.Error("two installs produced the same device id")
	}
}

func TestDeviceID_RegeneratesWhenCorrupt(t *testing.T) {
	id, dir := newTestIdentity(t)
	if err := os.WriteFile(filepath.Join(dir, deviceIDFile), []byte("not-hex"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := id.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID() error = %v", err)
	}
	if !validDeviceID(got) {
		t.Errorf("DeviceID() = %q, want 64 hex chars", got)
	}
	data, _ := os.ReadFile(filepath.Join(dir, deviceIDFile))
	if strings.TrimSpace(string(data)) != got {
		t.Errorf("persisted device id = %q, want %q", data, got)
	}
}

func TestDeriveDeviceID(t *testing.T) {
	a := DeriveDeviceID("p", "i", "h")
	if a != DeriveDeviceID("p", "i", "h") {
		t.Error("DeriveDeviceID() not deterministic")
	}
	if a == DeriveDeviceID("pi", "", "h") {
		t.Error("DeriveDeviceID() ambiguous across field boundaries")
	}
}

func TestKeyPair_PersistsAndReloads(t *testing.T) {
	id, dir := newTestIdentity(t)

	kp, err := id.KeyPair()
	if err != nil {
		t.Fatalf("KeyPair() error = %v", err)
	}
	if !id.IsConfigured() {
		t.Error("IsConfigured() = false after KeyPair()")
	}

	info, err := os.Stat(filepath.Join(dir, privateFile))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("signing key mode = %o, want 600", perm)
	}

	reloaded, err := New(dir, xorSealer{key: 0x5A}, testPlatform).KeyPair()
	if err != nil {
		t.Fatalf("KeyPair() reload error = %v", err)
	}
	if !bytes.Equal(reloaded.Public, kp.Public) {
		t.Error("reloaded public key differs")
	}
}

func TestKeyPair_WrongPassphraseIsError(t *testing.T) {
	id, dir := newTestIdentity(t)
	kp, err := id.KeyPair()
	if err != nil {
		t.Fatal(err)
	}

	_, err = New(dir, xorSealer{key: 0xFF}, testPlatform).KeyPair()
	if err == nil {
		t.Fatal("KeyPair() with wrong passphrase succeeded")
	}

	// The stored key must be untouched.
	again, err := New(dir, xorSealer{key: 0x5A}, testPlatform).KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again.Public, kp.Public) {
		t.Error("key was regenerated after failed unseal")
	}
}

func TestKeyPair_CorruptSeed(t *testing.T) {
	id, dir := newTestIdentity(t)
	var buf bytes.Buffer
	if err := (xorSealer{key: 0x5A}).Seal([]byte("short"), &buf); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, privateFile), buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := id.KeyPair()
	if !errors.Is(err, ErrCorruptKey) {
		t.Errorf("KeyPair() error = %v, want ErrCorruptKey", err)
	}
}

func testPlayback() *model.PlaybackRecord {
	return &model.PlaybackRecord{
		RecordID:       "rec-1",
		ContentID:      "content-1",
		DeviceID:       "device-1",
		Timestamp:      time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		DurationPlayed: 120,
		TrackDuration:  200,
		PlayPercentage: 60,
		Source:         model.SourceLocal,
		Context:        model.UnknownContext(),
	}
}

func TestSignVerify(t *testing.T) {
	id, _ := newTestIdentity(t)
	pub, err := id.PublicKey()
	if err != nil {
		t.Fatal(err)
	}

	records := []model.Record{
		testPlayback(),
		&model.SharingRecord{RecordID: "s-1", ContentID: "c", SharerDeviceID: "d", Timestamp: time.Unix(100, 0).UTC()},
		&model.TransferRecord{RecordID: "t-1", ContentID: "c", SourceDeviceID: "d", TargetDeviceID: "e", Timestamp: time.Unix(100, 0).UTC()},
	}
	for _, rec := range records {
		t.Run(rec.Kind().String(), func(t *testing.T) {
			if err := id.Sign(rec); err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			if len(Signature(rec)) != ed25519.SignatureSize {
				t.Errorf("len(Signature()) = %d, want %d", len(Signature(rec)), ed25519.SignatureSize)
			}
			if !Verify(rec, pub) {
				t.Error("Verify() = false for freshly signed record")
			}
		})
	}
}

func TestVerify_Rejects(t *testing.T) {
	id, _ := newTestIdentity(t)
	pub, err := id.PublicKey()
	if err != nil {
		t.Fatal(err)
	}
	other, _, _ := ed25519.GenerateKey(nil)

	tests := []struct {
		name   string
		mutate func(r *model.PlaybackRecord)
		key    []byte
	}{
		{"altered field", func(r *model.PlaybackRecord) { r.SkipCount++ }, pub},
		{"altered content", func(r *model.PlaybackRecord) { r.ContentID = "other" }, pub},
		{"missing signature", func(r *model.PlaybackRecord) { r.DeviceSignature = nil }, pub},
		{"truncated signature", func(r *model.PlaybackRecord) { r.DeviceSignature = r.DeviceSignature[:10] }, pub},
		{"wrong key", func(r *model.PlaybackRecord) {}, other},
		{"malformed key", func(r *model.PlaybackRecord) {}, []byte{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testPlayback()
			if err := id.Sign(rec); err != nil {
				t.Fatal(err)
			}
			tt.mutate(rec)
			if Verify(rec, tt.key) {
				t.Error("Verify() = true, want false")
			}
		})
	}
}

func TestSign_TrackMetadataUnsupported(t *testing.T) {
	id, _ := newTestIdentity(t)
	if err := id.Sign(&model.TrackMetadata{ContentID: "c"}); err == nil {
		t.Error("Sign(TrackMetadata) error = nil, want error")
	}
}
