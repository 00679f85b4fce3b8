package gc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"blobfs/internal/block"
	"blobfs/internal/cache"
	"blobfs/internal/catalog"
	"blobfs/internal/metrics"
	"blobfs/internal/remote"
)

// hookedStore runs a callback before every Delete, standing in for work
// that lands between a sweep's catalog reads and its remote delete.
type hookedStore struct {
	remote.ObjectStore
	beforeDelete func(key string)
}

func (h *hookedStore) Delete(ctx context.Context, key string) error {
	if h.beforeDelete != nil {
		h.beforeDelete(key)
	}
	return h.ObjectStore.Delete(ctx, key)
}

type sweepRig struct {
	sweeper *Sweeper
	catalog *catalog.Catalog
	store   *remote.DirStore
	cache   *cache.Cache
}

func newSweepRig(t *testing.T) *sweepRig {
	t.Helper()
	cat, err := catalog.Create(filepath.Join(t.TempDir(), "gc.catalog"), catalog.CreateParams{
		BlockSize:      4096,
		KeyFingerprint: "deadbeefdeadbeef",
	})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	m := metrics.New()
	blockCache, err := cache.New(memfs.New(), 1<<20, m)
	require.NoError(t, err)
	store := remote.NewDirStore(memfs.New())

	return &sweepRig{
		sweeper: New(cat, store, blockCache, m),
		catalog: cat,
		store:   store,
		cache:   blockCache,
	}
}

// seedBlock registers an uploaded block with the given refcount and stores a
// matching remote object. The object body is opaque to the sweeper, so any
// bytes will do.
func seedBlock(t *testing.T, r *sweepRig, content []byte, refcount int64) block.ID {
	t.Helper()
	ctx := context.Background()
	id := block.Sum(content)

	_, created, err := r.catalog.LookupOrCreateBlock(ctx, r.catalog.DB(), id.String(), int64(len(content)))
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, r.catalog.MarkUploaded(ctx, id.String(), int64(len(content))))
	require.NoError(t, r.store.Put(ctx, id.String(), content))

	for rc := int64(1); rc > refcount; rc-- {
		_, err := r.catalog.DecRefTx(ctx, r.catalog.DB(), id.String())
		require.NoError(t, err)
	}
	for rc := int64(1); rc < refcount; rc++ {
		_, err := r.catalog.IncRefTx(ctx, r.catalog.DB(), id.String())
		require.NoError(t, err)
	}
	return id
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("removes zero-ref blocks remotely and from the catalog", func(t *testing.T) {
		r := newSweepRig(t)
		id := seedBlock(t, r, []byte("garbage block"), 0)
		kept := seedBlock(t, r, []byte("live block"), 1)

		result, err := r.sweeper.Sweep(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, result.BlocksExamined)
		assert.Equal(t, 1, result.BlocksSwept)
		assert.Equal(t, int64(13), result.BytesFreed)
		assert.NotEmpty(t, result.RunID)

		_, err = r.store.Get(ctx, id.String())
		assert.ErrorIs(t, err, remote.ErrNoSuchObject)
		known, err := r.catalog.HasBlock(ctx, id.String())
		require.NoError(t, err)
		assert.False(t, known)

		// The referenced block is untouched.
		known, err = r.catalog.HasBlock(ctx, kept.String())
		require.NoError(t, err)
		assert.True(t, known)
		_, err = r.store.Get(ctx, kept.String())
		assert.NoError(t, err)
	})

	t.Run("skips candidates with dirty cache entries", func(t *testing.T) {
		r := newSweepRig(t)
		content := []byte("dirty in cache")
		id := seedBlock(t, r, content, 0)
		require.NoError(t, r.cache.Put(ctx, id, content))

		result, err := r.sweeper.Sweep(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, result.BlocksSwept)
		assert.Equal(t, 1, result.Skipped)

		known, err := r.catalog.HasBlock(ctx, id.String())
		require.NoError(t, err)
		assert.True(t, known)

		// Once the entry settles, the next sweep takes it.
		r.cache.MarkClean(id)
		result, err = r.sweeper.Sweep(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, result.BlocksSwept)
	})

	t.Run("tolerates an already-missing remote object", func(t *testing.T) {
		r := newSweepRig(t)
		id := seedBlock(t, r, []byte("half swept"), 0)
		require.NoError(t, r.store.Delete(ctx, id.String()))

		result, err := r.sweeper.Sweep(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, result.BlocksSwept)

		known, err := r.catalog.HasBlock(ctx, id.String())
		require.NoError(t, err)
		assert.False(t, known)
	})

	t.Run("honors the candidate limit", func(t *testing.T) {
		r := newSweepRig(t)
		seedBlock(t, r, []byte("trash one"), 0)
		seedBlock(t, r, []byte("trash two"), 0)
		seedBlock(t, r, []byte("trash three"), 0)

		result, err := r.sweeper.Sweep(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, result.BlocksExamined)
		assert.Equal(t, 2, result.BlocksSwept)

		result, err = r.sweeper.Sweep(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, result.BlocksSwept)
	})
}

func TestSweepVsDedupResurrection(t *testing.T) {
	// A write deduplicating against a sweep candidate mid-sweep must end
	// with the block resurrected and queued for re-upload, never with a
	// live extent whose remote object is gone. The sweep orphans the block
	// before touching the remote store, so the dedup lookup sees the
	// orphaned state and flips it back to pending.
	r := newSweepRig(t)
	ctx := context.Background()
	content := []byte("nine lives")
	id := seedBlock(t, r, content, 0)

	hooked := &hookedStore{ObjectStore: r.store}
	hooked.beforeDelete = func(key string) {
		require.Equal(t, id.String(), key)
		err := r.catalog.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			ino, err := r.catalog.CreateInodeTx(ctx, tx, catalog.DefaultFileMode)
			if err != nil {
				return err
			}
			blk, created, err := r.catalog.LookupOrCreateBlock(ctx, tx, key, int64(len(content)))
			if err != nil {
				return err
			}
			require.False(t, created)
			require.Equal(t, catalog.BlockPending, blk.State)
			return r.catalog.InsertExtentTx(ctx, tx, &catalog.Extent{
				Ino:     ino,
				Off:     0,
				Length:  int64(len(content)),
				BlockID: key,
			})
		})
		require.NoError(t, err)
	}
	sweeper := New(r.catalog, hooked, r.cache, metrics.New())

	result, err := sweeper.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.BlocksSwept)
	assert.Equal(t, 1, result.Skipped)

	// The row survived with the new reference and awaits a fresh upload.
	blk, err := r.catalog.GetBlock(ctx, id.String())
	require.NoError(t, err)
	assert.Equal(t, int64(1), blk.Refcount)
	assert.Equal(t, catalog.BlockPending, blk.State)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	r := newSweepRig(t)

	known := seedBlock(t, r, []byte("accounted for"), 1)
	orphan := block.Sum([]byte("no catalog row"))
	require.NoError(t, r.store.Put(ctx, orphan.String(), []byte("stray bytes")))
	require.NoError(t, r.store.Put(ctx, "manifest.json", []byte("not a block")))

	result, err := r.sweeper.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphansRemoved)

	_, err = r.store.Get(ctx, orphan.String())
	assert.ErrorIs(t, err, remote.ErrNoSuchObject)

	// Known blocks and foreign objects are left alone.
	_, err = r.store.Get(ctx, known.String())
	assert.NoError(t, err)
	_, err = r.store.Get(ctx, "manifest.json")
	assert.NoError(t, err)
}
