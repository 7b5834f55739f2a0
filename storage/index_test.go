package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexPutGetListDelete(t *testing.T) {
	store := newTestStore(t)
	index := store.Index()
	ctx := context.Background()

	entries := map[string]string{
		"inbox/bob/m-2":   "second",
		"inbox/bob/m-1":   "first",
		"inbox/bobby/m-3": "other recipient",
		"inbox/carol/m-4": "carol",
	}
	for key, value := range entries {
		require.NoError(t, index.Put(ctx, key, []byte(value)), "Put(%q)", key)
	}

	got, err := index.Get(ctx, "inbox/bob/m-1")
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	list, err := index.List(ctx, "inbox/bob/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "inbox/bob/m-1", list[0].Key)
	assert.Equal(t, "inbox/bob/m-2", list[1].Key)

	count, err := index.Count(ctx, "inbox/")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	require.NoError(t, index.Delete(ctx, "inbox/bob/m-1"))
	_, err = index.Get(ctx, "inbox/bob/m-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, index.Delete(ctx, "inbox/bob/m-1"), ErrNotFound)
}

func TestIndexPutOverwrites(t *testing.T) {
	store := newTestStore(t)
	index := store.Index()
	ctx := context.Background()

	require.NoError(t, index.Put(ctx, "inbox/bob/m-1", []byte("v1")))
	require.NoError(t, index.Put(ctx, "inbox/bob/m-1", []byte("v2")))

	got, err := index.Get(ctx, "inbox/bob/m-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestIndexListTreatsPrefixLiterally(t *testing.T) {
	store := newTestStore(t)
	index := store.Index()
	ctx := context.Background()

	require.NoError(t, index.Put(ctx, "inbox/a_b/m-1", []byte("x")))
	require.NoError(t, index.Put(ctx, "inbox/axb/m-2", []byte("y")))

	list, err := index.List(ctx, "inbox/a_b/")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "inbox/a_b/m-1", list[0].Key)

	empty, err := index.List(ctx, "inbox/nobody/")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
