package archive

import (
	"context"
	"fmt"
	"sync"

	"github.com/docmend/docmend/internal/domain"
)

// MemoryArchiver keeps terminal workflows in a map. Used by lightweight
// deployments with no Postgres and by tests. Records do not survive restarts.
type MemoryArchiver struct {
	mu        sync.RWMutex
	workflows map[string]*domain.Workflow
}

var _ Archiver = (*MemoryArchiver)(nil)

// NewMemoryArchiver returns an empty in-memory archive.
func NewMemoryArchiver() *MemoryArchiver {
	return &MemoryArchiver{workflows: make(map[string]*domain.Workflow)}
}

func (a *MemoryArchiver) Archive(_ context.Context, wf *domain.Workflow) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workflows[wf.ID] = wf
	return nil
}

func (a *MemoryArchiver) Load(_ context.Context, id string) (*domain.Workflow, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	wf, ok := a.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	return wf, nil
}
