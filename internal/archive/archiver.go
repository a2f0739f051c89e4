package archive

import (
	"context"

	"github.com/docmend/docmend/internal/domain"
)

// Archiver persists terminal workflows so their full accounting (results,
// corrections, per-snippet states) survives the live index being pruned.
type Archiver interface {
	// Archive stores a terminal workflow. Archiving the same workflow id
	// twice overwrites, so redelivered terminal events stay idempotent.
	Archive(ctx context.Context, wf *domain.Workflow) error

	// Load retrieves an archived workflow by id.
	Load(ctx context.Context, id string) (*domain.Workflow, error)
}
