// internal/types/ids.go
package types

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type RunID string

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// NewMutationRunID returns a run id for derived generations, prefixed so
// observers can tell mutation runs apart in the stream.
func NewMutationRunID() RunID {
	return RunID("mut_" + uuid.New().String())
}

// NewArtifactID names an image artifact after its creation time.
func NewArtifactID(at time.Time) string {
	return fmt.Sprintf("img_%d.png", at.UnixMilli())
}

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// IsImageFile reports whether name looks like a stored image artifact.
// macOS resource forks and .DS_Store are ignored.
func IsImageFile(name string) bool {
	if strings.HasPrefix(name, "._") || name == ".DS_Store" {
		return false
	}
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// MetadataName returns the companion metadata file name for an image artifact.
func MetadataName(artifactID string) string {
	return strings.TrimSuffix(artifactID, filepath.Ext(artifactID)) + ".json"
}
