package mesh

import (
	"context"
	"io"
)

// Archive is off-mesh storage for uplinked bundles. Objects are written
// once under a unique name and never modified.
type Archive interface {
	// Put stores size bytes read from r under name. Storing an existing
	// name again is a no-op.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Get writes the object stored under name to w.
	Get(ctx context.Context, name string, w io.Writer) error

	// List returns the stored object names in lexical order.
	List(ctx context.Context) ([]string, error)

	// ValidateSetup verifies that the archive is reachable and writable.
	ValidateSetup(ctx context.Context) error
}
