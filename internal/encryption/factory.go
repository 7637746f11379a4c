package encryption

import (
	"fmt"

	"meshstat/internal/config"
	"meshstat/internal/identity"
)

// NewSealerFromConfig creates a Sealer based on the configuration type.
func NewSealerFromConfig(cfg config.EncryptionConfig, passphrase string) (identity.Sealer, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeSealer(passphrase, cfg.ScryptWorkFactor), nil
	case "test":
		return NewTestSealer(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
