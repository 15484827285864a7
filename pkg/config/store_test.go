package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func targetDoc(names ...string) *Document {
	doc := &Document{}
	for _, name := range names {
		doc.TargetServers = append(doc.TargetServers, TargetConfig{
			Name: name, Type: TransportStdio, Command: "echo",
		})
	}
	return doc
}

func TestStoreRejectsInvalidInitialDocument(t *testing.T) {
	t.Parallel()

	_, err := NewStore(&Document{TargetServers: []TargetConfig{{Name: "x", Type: "nope"}}}, nil)
	assert.Error(t, err)
}

func TestStorePrepareCommit(t *testing.T) {
	t.Parallel()

	store, err := NewStore(targetDoc("a"), nil)
	require.NoError(t, err)

	next := targetDoc("a", "b")
	staged, err := store.Prepare(next)
	require.NoError(t, err)

	// The live document is untouched until commit.
	assert.Len(t, store.Current().TargetServers, 1)

	committed, err := staged.Commit()
	require.NoError(t, err)
	assert.Same(t, next, committed)
	assert.Same(t, next, store.Current())

	_, err = staged.Commit()
	assert.Error(t, err, "a staged document commits at most once")
}

func TestStorePrepareRejectsInvalid(t *testing.T) {
	t.Parallel()

	store, err := NewStore(nil, nil)
	require.NoError(t, err)

	bad := &Document{TargetServers: []TargetConfig{{Name: "x", Type: TransportStdio}}}
	_, err = store.Prepare(bad)
	assert.Error(t, err)
	assert.Empty(t, store.Current().TargetServers)
}

func TestStoreRollback(t *testing.T) {
	t.Parallel()

	store, err := NewStore(targetDoc("a"), nil)
	require.NoError(t, err)

	staged, err := store.Prepare(targetDoc("b"))
	require.NoError(t, err)
	staged.Rollback()

	_, err = staged.Commit()
	assert.Error(t, err)
	assert.Equal(t, "a", store.Current().TargetServers[0].Name)
}

func TestStoreInterleavedUpdatesStayIsolated(t *testing.T) {
	t.Parallel()

	store, err := NewStore(targetDoc("a"), nil)
	require.NoError(t, err)

	// An Apply landing between another caller's Prepare and Commit must
	// neither be republished by that commit nor invalidate it.
	patched := targetDoc("patched")
	staged, err := store.Prepare(patched)
	require.NoError(t, err)

	watched := targetDoc("watched")
	require.NoError(t, store.Apply(watched))
	assert.Same(t, watched, store.Current())

	committed, err := staged.Commit()
	require.NoError(t, err)
	assert.Same(t, patched, committed)
	assert.Same(t, patched, store.Current())
}

func TestStoreSubscribe(t *testing.T) {
	t.Parallel()

	store, err := NewStore(nil, nil)
	require.NoError(t, err)

	var seen []*Document
	store.Subscribe(func(doc *Document) { seen = append(seen, doc) })

	next := targetDoc("a")
	require.NoError(t, store.Apply(next))

	require.Len(t, seen, 1)
	assert.Same(t, next, seen[0])
}
