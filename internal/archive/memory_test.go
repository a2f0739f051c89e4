package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmend/docmend/internal/domain"
)

func TestMemoryArchiverRoundTrip(t *testing.T) {
	a := NewMemoryArchiver()
	ctx := context.Background()

	wf := &domain.Workflow{ID: "wf-1", Status: domain.WorkflowCompleted}
	require.NoError(t, a.Archive(ctx, wf))

	got, err := a.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompleted, got.Status)
}

func TestMemoryArchiverOverwrite(t *testing.T) {
	a := NewMemoryArchiver()
	ctx := context.Background()

	require.NoError(t, a.Archive(ctx, &domain.Workflow{ID: "wf-1", Status: domain.WorkflowCompleted}))
	require.NoError(t, a.Archive(ctx, &domain.Workflow{ID: "wf-1", Status: domain.WorkflowCompletedWithWarnings}))

	got, err := a.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCompletedWithWarnings, got.Status)
}

func TestMemoryArchiverMissing(t *testing.T) {
	a := NewMemoryArchiver()
	_, err := a.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}
