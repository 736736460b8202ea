package registry

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(dssync.MutexWrap(ds.NewMapDatastore()))
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	code := []byte("some executable bytes")

	c, err := r.Put(ctx, code)
	require.NoError(t, err)

	// content addressed: same bytes, same reference
	c2, err := r.Put(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, c, c2)

	got, err := r.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, code, got)

	has, err := r.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, has)

	other, err := CodeRef([]byte("different bytes"))
	require.NoError(t, err)
	assert.NotEqual(t, c, other)

	_, err = r.Get(ctx, other)
	require.ErrorIs(t, err, ErrCodeNotFound)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	c, err := r.Put(ctx, []byte("removable"))
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, c))

	has, err := r.Has(ctx, c)
	require.NoError(t, err)
	assert.False(t, has)

	require.ErrorIs(t, r.Remove(ctx, c), ErrCodeNotFound)
}

func TestLockBlocksRemoval(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	c, err := r.Put(ctx, []byte("depended upon"))
	require.NoError(t, err)

	require.NoError(t, r.LockDependency(ctx, "program-1", c))

	count, err := r.LockCount(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.ErrorIs(t, r.Remove(ctx, c), ErrCodeLocked)

	// still there
	has, err := r.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, r.LockDependency(ctx, "program-2", c))

	count, err = r.LockCount(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestLockMissingCode(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	c, err := CodeRef([]byte("not registered"))
	require.NoError(t, err)

	require.ErrorIs(t, r.LockDependency(ctx, "program-1", c), ErrCodeNotFound)

	count, err := r.LockCount(ctx, c)
	require.NoError(t, err)
	assert.Zero(t, count)
}
