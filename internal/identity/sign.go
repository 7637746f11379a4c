package identity

import (
	"crypto/ed25519"
	"fmt"

	"meshstat/internal/model"
	"meshstat/internal/wire"
)

// Sign computes the record's canonical signing payload, signs it with the
// device key and stores the signature on the record.
func (id *Identity) Sign(rec model.Record) error {
	kp, err := id.KeyPair()
	if err != nil {
		return err
	}
	return SignWith(kp.Private, rec)
}

// SignWith signs rec with priv.
func SignWith(priv ed25519.PrivateKey, rec model.Record) error {
	payload, err := wire.SigningPayload(rec)
	if err != nil {
		return fmt.Errorf("building signing payload: %w", err)
	}
	sig := ed25519.Sign(priv, payload)

	switch r := rec.(type) {
	case *model.PlaybackRecord:
		r.DeviceSignature = sig
	case *model.SharingRecord:
		r.DeviceSignature = sig
	case *model.TransferRecord:
		r.DeviceSignature = sig
	default:
		return fmt.Errorf("cannot sign %T", rec)
	}
	return nil
}

// Verify reports whether rec carries a valid signature by pub. It returns
// false, never an error, for a missing signature, a malformed key or a
// record that was altered after signing.
func Verify(rec model.Record, pub []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig := Signature(rec)
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	payload, err := wire.SigningPayload(rec)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

// Signature returns the signature stored on rec, if any.
func Signature(rec model.Record) []byte {
	switch r := rec.(type) {
	case *model.PlaybackRecord:
		return r.DeviceSignature
	case *model.SharingRecord:
		return r.DeviceSignature
	case *model.TransferRecord:
		return r.DeviceSignature
	default:
		return nil
	}
}

// Verifier adapts Verify to an interface value.
type Verifier struct{}

func (Verifier) Verify(rec model.Record, pub []byte) bool { return Verify(rec, pub) }
