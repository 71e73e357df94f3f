// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/gossipmill/internal/types"

// Compile-time interface compliance checks.
var _ types.ArtifactStore = (*ArtifactStore)(nil)
