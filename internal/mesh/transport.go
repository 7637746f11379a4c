package mesh

import (
	"context"
	"crypto/ed25519"

	"meshstat/internal/model"
)

// Packet is one inbound frame and the transport address it came from.
type Packet struct {
	From string
	Data []byte
}

// Transport moves encoded frames across the mesh. Delivery is best effort
// and unordered across peers.
type Transport interface {
	// LocalAddr is the address other peers use to reach this node.
	LocalAddr() string

	// Broadcast sends data to every peer currently in range.
	Broadcast(ctx context.Context, data []byte) error

	// SendTo sends data to one peer.
	SendTo(ctx context.Context, peer string, data []byte) error

	// Receive returns the inbound frame channel. It is closed by Close.
	Receive() <-chan Packet

	Close() error
}

// Signer is the device identity as seen by mesh components.
type Signer interface {
	DeviceID() (string, error)
	PublicKey() (ed25519.PublicKey, error)
	Sign(rec model.Record) error
}

// Verifier checks record signatures.
type Verifier interface {
	Verify(rec model.Record, pub []byte) bool
}
