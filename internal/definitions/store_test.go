package definitions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/internal/fixtures"
	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/internal/validation"
	"github.com/bizportal/flowd/pkg/schema"
)

// countingRepo counts reads that reach the repository.
type countingRepo struct {
	store.DefinitionRepo
	gets int
}

func (c *countingRepo) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	c.gets++
	return c.DefinitionRepo.GetDefinition(ctx, id, version)
}

func newStore(t *testing.T) (*Store, *countingRepo) {
	t.Helper()
	v, err := validation.NewDefinitionValidator(nil, nil)
	require.NoError(t, err)
	repo := &countingRepo{DefinitionRepo: store.NewMemoryStore()}
	return NewStore(repo, v, logging.Discard()), repo
}

func TestPublish_AssignsVersions(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	def := fixtures.LeaveApproval()
	def.Version = 99

	r1, err := s.Publish(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionRef{ID: "leaveApproval", Version: 1}, r1.Ref)
	assert.Equal(t, 99, def.Version, "caller's copy untouched")

	def.Name = "Leave approval v2"
	r2, err := s.Publish(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.Ref.Version)

	v1, err := s.Get(ctx, "leaveApproval", 1)
	require.NoError(t, err)
	assert.Equal(t, "Leave approval", v1.Name)
	assert.False(t, v1.PublishedAt.IsZero())

	latest, err := s.Get(ctx, "leaveApproval", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "Leave approval v2", latest.Name)

	versions, err := s.Versions(ctx, "leaveApproval")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestPublish_EditsDoNotReachPublishedVersion(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	def := fixtures.LeaveApproval()
	_, err := s.Publish(ctx, def)
	require.NoError(t, err)

	def.Steps[2].Timeout = 1
	def.Steps[2].Config["autoApprove"] = true
	def.Steps[1].NextSteps[0] = "rejected"

	got, err := s.Get(ctx, "leaveApproval", 1)
	require.NoError(t, err)
	step, ok := got.Step("approval")
	require.True(t, ok)
	assert.Equal(t, fixtures.ApprovalTimeout, step.Timeout)
	assert.Equal(t, false, step.Config["autoApprove"])
	assert.Equal(t, "approval", got.Steps[1].NextSteps[0])
}

func TestPublish_RejectsInvalid(t *testing.T) {
	s, _ := newStore(t)
	def := fixtures.LeaveApproval()
	def.Steps[1].Conditions[0].NextStep = "notify"

	_, err := s.Publish(context.Background(), def)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = s.Get(context.Background(), "leaveApproval", 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestPublish_RejectsApprovalWithoutRejectRoute(t *testing.T) {
	s, _ := newStore(t)
	def := fixtures.LeaveApproval()
	def.Steps[2].Config = map[string]any{"autoApprove": false, "assignee": "manager"}

	_, err := s.Publish(context.Background(), def)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "onReject")
}

func TestGet_CachesImmutableVersions(t *testing.T) {
	s, repo := newStore(t)
	ctx := context.Background()
	_, err := s.Publish(ctx, fixtures.LeaveApproval())
	require.NoError(t, err)

	// Drop the publish-time cache entry to force one repository read.
	s.cache.Delete(schema.DefinitionRef{ID: "leaveApproval", Version: 1})
	for i := 0; i < 5; i++ {
		_, err := s.Get(ctx, "leaveApproval", 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, repo.gets)

	_, err = s.Get(ctx, "leaveApproval", 7)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestGetActiveByModule(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	leave := fixtures.LeaveApproval()
	_, err := s.Publish(ctx, leave)
	require.NoError(t, err)

	other := fixtures.Linear("expenses", fixtures.Action("file", "data.set"))
	other.Module = "hr"
	_, err = s.Publish(ctx, other)
	require.NoError(t, err)

	sales := fixtures.Linear("quotes", fixtures.Action("draft", "data.set"))
	sales.Module = "sales"
	_, err = s.Publish(ctx, sales)
	require.NoError(t, err)

	active, err := s.GetActiveByModule(ctx, "hr")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"leaveApproval", "expenses"}, ids(active))

	// Deactivation is a new version.
	other.Active = false
	_, err = s.Publish(ctx, other)
	require.NoError(t, err)

	active, err = s.GetActiveByModule(ctx, "hr")
	require.NoError(t, err)
	assert.Equal(t, []string{"leaveApproval"}, ids(active))

	manual, err := s.ActiveByTrigger(ctx, schema.TriggerManual)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"leaveApproval", "quotes"}, ids(manual))
}

func TestExampleDefinitionsPublish(t *testing.T) {
	defs, err := LoadDir(filepath.Join("..", "..", "examples", "definitions"))
	require.NoError(t, err)
	require.Len(t, defs, 4)

	s, _ := newStore(t)
	for _, def := range defs {
		res, err := s.Publish(context.Background(), def)
		require.NoError(t, err, def.ID)
		assert.Equal(t, 1, res.Ref.Version)
		assert.Empty(t, res.Warnings, def.ID)
	}
}

func ids(defs []*schema.WorkflowDefinition) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.ID)
	}
	return out
}
