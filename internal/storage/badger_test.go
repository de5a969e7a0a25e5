package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore_PutGet(t *testing.T) {
	store, err := OpenBadger("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	p1, err := store.Put(ctx, "files/7", []byte("first"), "text/plain")
	require.NoError(t, err)
	p2, err := store.Put(ctx, "files/7", []byte("second"), "text/plain")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2, "every put gets its own pointer")
	assert.Contains(t, p1, "badger://files/7/")

	got, err := store.Get(ctx, p1)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	got, err = store.Get(ctx, p2)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestBadgerStore_GetUnknown(t *testing.T) {
	store, err := OpenBadger("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Get(context.Background(), "badger://nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(context.Background(), "minio://bucket/key")
	assert.ErrorIs(t, err, ErrNotFound)
}
