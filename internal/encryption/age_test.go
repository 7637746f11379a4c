package encryption

import (
	"bytes"
	"testing"
)

// lowWorkFactor keeps scrypt fast in tests.
const lowWorkFactor = 10

func TestAgeSealer_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "ed25519 seed", input: bytes.Repeat([]byte{0x42}, 32)},
		{name: "empty", input: []byte{}},
		{name: "binary data", input: []byte{0x00, 0xff, 0x01, 0xfe}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewAgeSealer("test-passphrase", lowWorkFactor)

			var sealed bytes.Buffer
			if err := s.Seal(tt.input, &sealed); err != nil {
				t.Fatalf("Seal() error = %v", err)
			}

			if len(tt.input) > 0 && bytes.Contains(sealed.Bytes(), tt.input) {
				t.Error("sealed output contains the plaintext")
			}

			got, err := s.Open(&sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(got, tt.input) {
				t.Errorf("Open() = %x, want %x", got, tt.input)
			}
		})
	}
}

func TestAgeSealer_WrongPassphrase(t *testing.T) {
	t.Parallel()

	var sealed bytes.Buffer
	if err := NewAgeSealer("right", lowWorkFactor).Seal([]byte("secret"), &sealed); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, err := NewAgeSealer("wrong", lowWorkFactor).Open(&sealed); err == nil {
		t.Error("Open() with wrong passphrase succeeded, want error")
	}
}

func TestAgeSealer_EmptyPassphrase(t *testing.T) {
	t.Parallel()

	var sealed bytes.Buffer
	if err := NewAgeSealer("", lowWorkFactor).Seal([]byte("secret"), &sealed); err == nil {
		t.Error("Seal() with empty passphrase succeeded, want error")
	}
}

func TestTestSealer_RoundTrip(t *testing.T) {
	s := NewTestSealer()
	var sealed bytes.Buffer
	if err := s.Seal([]byte("seed"), &sealed); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Equal(sealed.Bytes(), []byte("seed")) {
		t.Error("sealed output equals plaintext")
	}
	got, err := s.Open(&sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(got) != "seed" {
		t.Errorf("Open() = %q, want %q", got, "seed")
	}
}

func TestTestSealer_RejectsForeignData(t *testing.T) {
	if _, err := NewTestSealer().Open(bytes.NewReader([]byte("not sealed"))); err == nil {
		t.Error("Open() error = nil, want error")
	}
}
