// internal/state/artifact.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/user/gossipmill/internal/types"
)

// ArtifactStore keeps generated images and their metadata side by side in
// one flat directory: img_<ms>.png next to img_<ms>.json. The directory is
// append-only; every write goes through a temp file and a rename.
type ArtifactStore struct {
	dir string
}

// NewArtifactStore creates a new file-backed ArtifactStore rooted at the given directory.
func NewArtifactStore(dir string) *ArtifactStore {
	return &ArtifactStore{dir: dir}
}

// Dir returns the artifact directory.
func (a *ArtifactStore) Dir() string {
	return a.dir
}

// Init creates the artifact directory if needed.
func (a *ArtifactStore) Init() error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return nil
}

// Path returns the absolute file path for an artifact id.
func (a *ArtifactStore) Path(id string) string {
	return filepath.Join(a.dir, id)
}

// List returns image artifact ids, most recent first. A missing directory
// is an empty store.
func (a *ArtifactStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read artifact dir: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !types.IsImageFile(e.Name()) {
			continue
		}
		ids = append(ids, e.Name())
	}
	slices.Sort(ids)
	slices.Reverse(ids)
	return ids, nil
}

// ListWithMeta returns the ids of images that have a metadata file,
// most recent first.
func (a *ArtifactStore) ListWithMeta(ctx context.Context) ([]string, error) {
	ids, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		if _, err := os.Stat(a.Path(types.MetadataName(id))); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// ReadMetadata loads the metadata stored for an image artifact. A missing
// file returns an error wrapping types.ErrNotFound.
func (a *ArtifactStore) ReadMetadata(_ context.Context, id string) (*types.Metadata, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	name := types.MetadataName(id)
	data, err := os.ReadFile(a.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("metadata %s: %w", name, types.ErrNotFound)
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta types.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata %s: %w", name, err)
	}
	return &meta, nil
}

// Write stores image bytes under id.
func (a *ArtifactStore) Write(_ context.Context, id string, data []byte) error {
	if err := validateID(id); err != nil {
		return err
	}
	return a.writeAtomic(id, data)
}

// WriteMetadata stores the metadata record for image id.
func (a *ArtifactStore) WriteMetadata(_ context.Context, id string, meta *types.Metadata) error {
	if err := validateID(id); err != nil {
		return err
	}
	out := *meta
	if out.MutationFields == nil {
		out.MutationFields = []types.Field{}
	}
	content, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return a.writeAtomic(types.MetadataName(id), content)
}

// Remove deletes an image and its metadata. Missing files are ignored.
func (a *ArtifactStore) Remove(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	var errs []error
	for _, name := range []string{id, types.MetadataName(id)} {
		if err := os.Remove(a.Path(name)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove artifact %s: %w", id, errors.Join(errs...))
	}
	return nil
}

// writeAtomic writes via temp file + rename so readers never observe a
// partial file.
func (a *ArtifactStore) writeAtomic(name string, content []byte) error {
	if err := a.Init(); err != nil {
		return err
	}
	target := a.Path(name)
	tmp := filepath.Join(a.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write temp %s: %w", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp %s: %w", name, err)
	}
	return nil
}

// validateID rejects ids that would escape the artifact directory.
func validateID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid artifact id %q", id)
	}
	return nil
}
