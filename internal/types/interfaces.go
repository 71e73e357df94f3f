// internal/types/interfaces.go
package types

import "context"

// ArtifactStore is the append-only store of images and their metadata.
type ArtifactStore interface {
	// List returns artifact ids, most recent first.
	List(ctx context.Context) ([]string, error)
	ReadMetadata(ctx context.Context, id string) (*Metadata, error)
	Write(ctx context.Context, id string, data []byte) error
	WriteMetadata(ctx context.Context, id string, meta *Metadata) error
}

// Publisher accepts events for fan-out to live observers.
type Publisher interface {
	Publish(event Event)
}
