// Package hierarchy enforces folder nesting limits on resource creation.
package hierarchy

import (
	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
)

// CreateChild returns the depth of a new folder under parent (nil for a root folder).
// It fails with *errs.DepthExceededError when the new depth would reach maxDepth.
func CreateChild(parent *model.FolderNode, maxDepth int) (int, error) {
	depth := 0
	if parent != nil {
		depth = parent.Depth + 1
	}
	if depth >= maxDepth {
		return 0, &errs.DepthExceededError{Depth: depth, MaxDepth: maxDepth}
	}
	return depth, nil
}
