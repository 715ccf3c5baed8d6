package prefs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erppilot/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := repository.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func TestGetCreatesDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, VerbosityNormal, p.ResponseVerbosity)
	assert.Equal(t, 5, p.MaxHistory)
	assert.Zero(t, p.ConfirmThreshold)

	// Second read returns the same row, not a fresh default.
	require.NoError(t, store.Set(ctx, "alice", FieldResponseVerbosity, "terse"))
	p2, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, VerbosityTerse, p2.ResponseVerbosity)
}

func TestSetWhitelistedFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "alice", FieldConfirmThreshold, "0.8"))
	require.NoError(t, store.Set(ctx, "alice", FieldMaxHistory, "10"))
	require.NoError(t, store.Set(ctx, "alice", FieldDefaultCompany, "Acme Corp"))

	p, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0.8, p.ConfirmThreshold)
	assert.Equal(t, 10, p.MaxHistory)
	assert.Equal(t, "Acme Corp", p.DefaultCompany)
}

func TestSetRejectsUnknownField(t *testing.T) {
	store := newTestStore(t)
	err := store.Set(context.Background(), "alice", "favorite_color", "blue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "favorite_color")
}

func TestSetRejectsBadValues(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.Set(ctx, "alice", FieldResponseVerbosity, "shouty"))
	assert.Error(t, store.Set(ctx, "alice", FieldConfirmThreshold, "1.5"))
	assert.Error(t, store.Set(ctx, "alice", FieldConfirmThreshold, "abc"))
	assert.Error(t, store.Set(ctx, "alice", FieldMaxHistory, "0"))
	assert.Error(t, store.Set(ctx, "alice", FieldMaxHistory, "101"))

	// Nothing above may have corrupted the row.
	p, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, VerbosityNormal, p.ResponseVerbosity)
	assert.Equal(t, 5, p.MaxHistory)
}

func TestFieldsListsWhitelist(t *testing.T) {
	assert.ElementsMatch(t, []string{
		FieldResponseVerbosity, FieldConfirmThreshold, FieldMaxHistory, FieldDefaultCompany,
	}, Fields())
}
