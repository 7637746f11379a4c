package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"meshstat/internal/config"
	"meshstat/internal/mesh"
)

// NewTransportFromConfig creates a transport based on the configuration.
// A "memory" transport joins hub, which must then be non-nil.
func NewTransportFromConfig(ctx context.Context, cfg config.TransportConfig, key ed25519.PrivateKey, hub *MemoryHub, logger mesh.Logger) (mesh.Transport, error) {
	switch cfg.Type {
	case "libp2p", "":
		t, err := NewLibp2pTransport(ctx, Libp2pOptions{
			Key:            key,
			ListenAddrs:    cfg.ListenAddrs,
			BootstrapPeers: cfg.BootstrapPeers,
			ProtocolID:     cfg.ProtocolID,
			MDNS:           cfg.MDNS,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	case "memory":
		if hub == nil {
			return nil, fmt.Errorf("memory transport requires a hub")
		}
		addr := "local"
		if len(key) == ed25519.PrivateKeySize {
			addr = fmt.Sprintf("%x", key.Public().(ed25519.PublicKey)[:8])
		}
		return hub.Join(addr), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}
