package fs

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blobfs/internal/catalog"
	"blobfs/internal/common"
	"blobfs/internal/config"
)

const (
	testKeyHex    = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testBlockSize = int64(4096)
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.CatalogPath = filepath.Join(dir, "fs.catalog")
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.CacheCapacity = 1 << 20
	cfg.BlockSize = testBlockSize
	cfg.MasterKeyHex = testKeyHex
	cfg.Remote.Backend = "local"
	cfg.Remote.LocalDir = filepath.Join(dir, "objects")
	cfg.Upload.Workers = 2
	cfg.Upload.RetryAttempts = 2
	cfg.Upload.RetryInitialDelay = time.Millisecond
	cfg.Upload.RetryMaxDelay = 10 * time.Millisecond
	return cfg
}

// mountTestFS creates a catalog and mounts a filesystem over a local
// object directory.
func mountTestFS(t *testing.T) (*Filesystem, *config.Config) {
	t.Helper()
	cfg := testConfig(t)
	master, err := cfg.MasterKey()
	require.NoError(t, err)

	cat, err := catalog.Create(cfg.CatalogPath, catalog.CreateParams{
		BlockSize:      cfg.BlockSize,
		KeyFingerprint: KeyFingerprint(master),
	})
	require.NoError(t, err)
	require.NoError(t, cat.Close())

	f, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close(context.Background()) })
	return f, cfg
}

// createFile makes an empty file under root and returns its inode number.
func createFile(t *testing.T, f *Filesystem, name string) int64 {
	t.Helper()
	inode, err := f.Create(context.Background(), RootIno, name, 0644)
	require.NoError(t, err)
	return inode.Ino
}

func TestWriteRead(t *testing.T) {
	f, _ := mountTestFS(t)
	ctx := context.Background()

	t.Run("roundtrip within one block", func(t *testing.T) {
		ino := createFile(t, f, "small.txt")
		data := []byte("hello, blob world")

		n, err := f.Write(ctx, ino, 0, data)
		require.NoError(t, err)
		assert.Equal(t, len(data), n)

		got, err := f.Read(ctx, ino, 0, int64(len(data)))
		require.NoError(t, err)
		assert.Equal(t, data, got)

		inode, err := f.GetInode(ctx, ino)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), inode.Size)
	})

	t.Run("roundtrip across block boundaries", func(t *testing.T) {
		ino := createFile(t, f, "large.dat")
		data := make([]byte, 3*testBlockSize+100)
		for i := range data {
			data[i] = byte(i % 251)
		}

		_, err := f.Write(ctx, ino, 0, data)
		require.NoError(t, err)

		got, err := f.Read(ctx, ino, 0, int64(len(data)))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("partial overwrite read-modifies the block", func(t *testing.T) {
		ino := createFile(t, f, "rmw.dat")
		base := bytes.Repeat([]byte("a"), int(testBlockSize))
		_, err := f.Write(ctx, ino, 0, base)
		require.NoError(t, err)

		_, err = f.Write(ctx, ino, 100, []byte("PATCH"))
		require.NoError(t, err)

		got, err := f.Read(ctx, ino, 0, testBlockSize)
		require.NoError(t, err)
		want := append([]byte(nil), base...)
		copy(want[100:], "PATCH")
		assert.Equal(t, want, got)
	})

	t.Run("unaligned write beyond EOF zero-fills the gap", func(t *testing.T) {
		ino := createFile(t, f, "sparse.dat")
		_, err := f.Write(ctx, ino, testBlockSize+100, []byte("tail"))
		require.NoError(t, err)

		got, err := f.Read(ctx, ino, 0, testBlockSize+104)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, testBlockSize+100), got[:testBlockSize+100])
		assert.Equal(t, []byte("tail"), got[testBlockSize+100:])
	})

	t.Run("read past EOF is short", func(t *testing.T) {
		ino := createFile(t, f, "short.txt")
		_, err := f.Write(ctx, ino, 0, []byte("abc"))
		require.NoError(t, err)

		got, err := f.Read(ctx, ino, 2, 100)
		require.NoError(t, err)
		assert.Equal(t, []byte("c"), got)

		got, err = f.Read(ctx, ino, 50, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("directories refuse data IO", func(t *testing.T) {
		dir, err := f.Mkdir(ctx, RootIno, "iodir", 0755)
		require.NoError(t, err)
		_, err = f.Write(ctx, dir.Ino, 0, []byte("x"))
		assert.ErrorIs(t, err, common.ErrIsDir)
		_, err = f.Read(ctx, dir.Ino, 0, 10)
		assert.ErrorIs(t, err, common.ErrIsDir)
	})
}

func TestDeduplication(t *testing.T) {
	f, cfg := mountTestFS(t)
	ctx := context.Background()

	// Ten blocks of identical content collapse into one stored block.
	ino := createFile(t, f, "zeros.dat")
	_, err := f.Write(ctx, ino, 0, make([]byte, 10*testBlockSize))
	require.NoError(t, err)

	cat, err := catalog.OpenUnchecked(cfg.CatalogPath)
	require.NoError(t, err)
	defer cat.Close()

	stats, err := cat.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Blocks)
	assert.Equal(t, 10, stats.Extents)

	blocks, err := cat.ZeroRefBlocks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestSync(t *testing.T) {
	f, cfg := mountTestFS(t)
	ctx := context.Background()

	ino := createFile(t, f, "durable.txt")
	_, err := f.Write(ctx, ino, 0, []byte("make me durable"))
	require.NoError(t, err)

	require.NoError(t, f.Sync(ctx, ino))

	cat, err := catalog.OpenUnchecked(cfg.CatalogPath)
	require.NoError(t, err)
	defer cat.Close()
	pending, err := cat.BlocksByState(ctx, catalog.BlockPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRemountReadsFromRemote(t *testing.T) {
	cfg := testConfig(t)
	master, err := cfg.MasterKey()
	require.NoError(t, err)
	cat, err := catalog.Create(cfg.CatalogPath, catalog.CreateParams{
		BlockSize:      cfg.BlockSize,
		KeyFingerprint: KeyFingerprint(master),
	})
	require.NoError(t, err)
	require.NoError(t, cat.Close())

	ctx := context.Background()
	data := bytes.Repeat([]byte("persist across mounts "), 500)

	f, err := Open(ctx, cfg)
	require.NoError(t, err)
	inode, err := f.Create(ctx, RootIno, "survivor.dat", 0644)
	require.NoError(t, err)
	_, err = f.Write(ctx, inode.Ino, 0, data)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx)) // drains uploads

	// The cache is wiped on mount, so this read must come from the
	// object store.
	f2, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer f2.Close(ctx)

	dentry, err := f2.Lookup(ctx, RootIno, "survivor.dat")
	require.NoError(t, err)
	got, err := f2.Read(ctx, dentry.Ino, 0, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMountExclusivity(t *testing.T) {
	ctx := context.Background()
	_, cfg := mountTestFS(t)

	_, err := Open(ctx, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already mounted")
}

func TestTruncate(t *testing.T) {
	f, _ := mountTestFS(t)
	ctx := context.Background()

	t.Run("shrink drops the tail and rewrites the boundary block", func(t *testing.T) {
		ino := createFile(t, f, "shrink.dat")
		data := make([]byte, 2*testBlockSize+500)
		for i := range data {
			data[i] = byte(i)
		}
		_, err := f.Write(ctx, ino, 0, data)
		require.NoError(t, err)

		newSize := testBlockSize + 100
		require.NoError(t, f.Truncate(ctx, ino, newSize))

		inode, err := f.GetInode(ctx, ino)
		require.NoError(t, err)
		assert.Equal(t, newSize, inode.Size)

		got, err := f.Read(ctx, ino, 0, newSize+100)
		require.NoError(t, err)
		assert.Equal(t, data[:newSize], got)
	})

	t.Run("shrink to a block boundary", func(t *testing.T) {
		ino := createFile(t, f, "aligned.dat")
		_, err := f.Write(ctx, ino, 0, make([]byte, 2*testBlockSize))
		require.NoError(t, err)

		require.NoError(t, f.Truncate(ctx, ino, testBlockSize))
		inode, err := f.GetInode(ctx, ino)
		require.NoError(t, err)
		assert.Equal(t, testBlockSize, inode.Size)
	})

	t.Run("grow leaves a hole of zeros", func(t *testing.T) {
		ino := createFile(t, f, "grow.dat")
		_, err := f.Write(ctx, ino, 0, []byte("head"))
		require.NoError(t, err)

		require.NoError(t, f.Truncate(ctx, ino, 1000))
		got, err := f.Read(ctx, ino, 0, 1000)
		require.NoError(t, err)
		assert.Equal(t, []byte("head"), got[:4])
		assert.Equal(t, make([]byte, 996), got[4:])
	})

	t.Run("truncate to zero", func(t *testing.T) {
		ino := createFile(t, f, "empty.dat")
		_, err := f.Write(ctx, ino, 0, []byte("content"))
		require.NoError(t, err)

		require.NoError(t, f.Truncate(ctx, ino, 0))
		got, err := f.Read(ctx, ino, 0, 100)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestNamespace(t *testing.T) {
	f, _ := mountTestFS(t)
	ctx := context.Background()

	t.Run("create, lookup and list", func(t *testing.T) {
		dir, err := f.Mkdir(ctx, RootIno, "docs", 0755)
		require.NoError(t, err)
		assert.True(t, dir.IsDir())

		inode, err := f.Create(ctx, dir.Ino, "readme.md", 0644)
		require.NoError(t, err)

		found, err := f.Lookup(ctx, dir.Ino, "readme.md")
		require.NoError(t, err)
		assert.Equal(t, inode.Ino, found.Ino)

		entries, err := f.ReadDir(ctx, dir.Ino)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "readme.md", entries[0].Name)
	})

	t.Run("duplicate names are rejected", func(t *testing.T) {
		createFile(t, f, "unique.txt")
		_, err := f.Create(ctx, RootIno, "unique.txt", 0644)
		assert.ErrorIs(t, err, common.ErrExists)
	})

	t.Run("invalid names are rejected", func(t *testing.T) {
		for _, name := range []string{"", ".", "..", "a/b"} {
			_, err := f.Create(ctx, RootIno, name, 0644)
			assert.ErrorIs(t, err, common.ErrInvalidPath, "name %q", name)
		}
	})

	t.Run("mkdir bumps the parent link count", func(t *testing.T) {
		before, err := f.GetInode(ctx, RootIno)
		require.NoError(t, err)
		_, err = f.Mkdir(ctx, RootIno, "nested", 0755)
		require.NoError(t, err)
		after, err := f.GetInode(ctx, RootIno)
		require.NoError(t, err)
		assert.Equal(t, before.Nlink+1, after.Nlink)
	})

	t.Run("readdir of a file fails", func(t *testing.T) {
		ino := createFile(t, f, "not-a-dir.txt")
		_, err := f.ReadDir(ctx, ino)
		assert.ErrorIs(t, err, common.ErrNotDir)
	})
}

func TestUnlink(t *testing.T) {
	f, cfg := mountTestFS(t)
	ctx := context.Background()

	t.Run("unlinking the last link releases the blocks", func(t *testing.T) {
		ino := createFile(t, f, "victim.dat")
		_, err := f.Write(ctx, ino, 0, bytes.Repeat([]byte("victim content"), 100))
		require.NoError(t, err)
		require.NoError(t, f.Sync(ctx, ino))

		require.NoError(t, f.Unlink(ctx, RootIno, "victim.dat"))

		_, err = f.Lookup(ctx, RootIno, "victim.dat")
		assert.ErrorIs(t, err, common.ErrNotFound)
		_, err = f.GetInode(ctx, ino)
		assert.ErrorIs(t, err, common.ErrNotFound)

		cat, err := catalog.OpenUnchecked(cfg.CatalogPath)
		require.NoError(t, err)
		defer cat.Close()
		zero, err := cat.ZeroRefBlocks(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, zero, 1)
	})

	t.Run("unlink keeps the inode while links remain", func(t *testing.T) {
		ino := createFile(t, f, "linked-a.txt")
		_, err := f.Write(ctx, ino, 0, []byte("shared inode"))
		require.NoError(t, err)
		require.NoError(t, f.Link(ctx, ino, RootIno, "linked-b.txt"))

		require.NoError(t, f.Unlink(ctx, RootIno, "linked-a.txt"))

		inode, err := f.GetInode(ctx, ino)
		require.NoError(t, err)
		assert.Equal(t, int32(1), inode.Nlink)

		got, err := f.Read(ctx, ino, 0, 100)
		require.NoError(t, err)
		assert.Equal(t, []byte("shared inode"), got)
	})

	t.Run("non-empty directory is protected", func(t *testing.T) {
		dir, err := f.Mkdir(ctx, RootIno, "full", 0755)
		require.NoError(t, err)
		_, err = f.Create(ctx, dir.Ino, "occupant.txt", 0644)
		require.NoError(t, err)

		err = f.Unlink(ctx, RootIno, "full")
		assert.ErrorIs(t, err, common.ErrNotEmpty)
	})

	t.Run("empty directory unlinks and drops the parent nlink", func(t *testing.T) {
		_, err := f.Mkdir(ctx, RootIno, "hollow", 0755)
		require.NoError(t, err)
		before, err := f.GetInode(ctx, RootIno)
		require.NoError(t, err)

		require.NoError(t, f.Unlink(ctx, RootIno, "hollow"))
		after, err := f.GetInode(ctx, RootIno)
		require.NoError(t, err)
		assert.Equal(t, before.Nlink-1, after.Nlink)
	})
}

func TestLink(t *testing.T) {
	f, _ := mountTestFS(t)
	ctx := context.Background()

	t.Run("hard link shares content and bumps nlink", func(t *testing.T) {
		ino := createFile(t, f, "original.txt")
		_, err := f.Write(ctx, ino, 0, []byte("one body, two names"))
		require.NoError(t, err)

		require.NoError(t, f.Link(ctx, ino, RootIno, "alias.txt"))

		inode, err := f.GetInode(ctx, ino)
		require.NoError(t, err)
		assert.Equal(t, int32(2), inode.Nlink)

		alias, err := f.Lookup(ctx, RootIno, "alias.txt")
		require.NoError(t, err)
		assert.Equal(t, ino, alias.Ino)

		// A write through one name is visible through the other.
		_, err = f.Write(ctx, ino, 0, []byte("ONE"))
		require.NoError(t, err)
		got, err := f.Read(ctx, alias.Ino, 0, 3)
		require.NoError(t, err)
		assert.Equal(t, []byte("ONE"), got)
	})

	t.Run("directories cannot be hard linked", func(t *testing.T) {
		dir, err := f.Mkdir(ctx, RootIno, "linkdir", 0755)
		require.NoError(t, err)
		err = f.Link(ctx, dir.Ino, RootIno, "dir-alias")
		assert.ErrorIs(t, err, common.ErrIsDir)
	})
}

func TestRename(t *testing.T) {
	f, _ := mountTestFS(t)
	ctx := context.Background()

	t.Run("simple rename", func(t *testing.T) {
		ino := createFile(t, f, "before.txt")
		require.NoError(t, f.Rename(ctx, RootIno, "before.txt", RootIno, "after.txt"))

		_, err := f.Lookup(ctx, RootIno, "before.txt")
		assert.ErrorIs(t, err, common.ErrNotFound)
		found, err := f.Lookup(ctx, RootIno, "after.txt")
		require.NoError(t, err)
		assert.Equal(t, ino, found.Ino)
	})

	t.Run("rename replaces an existing file", func(t *testing.T) {
		src := createFile(t, f, "replacer.txt")
		dst := createFile(t, f, "replaced.txt")
		_, err := f.Write(ctx, dst, 0, []byte("old content"))
		require.NoError(t, err)

		require.NoError(t, f.Rename(ctx, RootIno, "replacer.txt", RootIno, "replaced.txt"))

		found, err := f.Lookup(ctx, RootIno, "replaced.txt")
		require.NoError(t, err)
		assert.Equal(t, src, found.Ino)
		_, err = f.GetInode(ctx, dst)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("directory move adjusts both parents", func(t *testing.T) {
		srcDir, err := f.Mkdir(ctx, RootIno, "move-src", 0755)
		require.NoError(t, err)
		dstDir, err := f.Mkdir(ctx, RootIno, "move-dst", 0755)
		require.NoError(t, err)
		_, err = f.Mkdir(ctx, srcDir.Ino, "payload", 0755)
		require.NoError(t, err)

		require.NoError(t, f.Rename(ctx, srcDir.Ino, "payload", dstDir.Ino, "payload"))

		after, err := f.GetInode(ctx, srcDir.Ino)
		require.NoError(t, err)
		assert.Equal(t, int32(2), after.Nlink)
		dstAfter, err := f.GetInode(ctx, dstDir.Ino)
		require.NoError(t, err)
		assert.Equal(t, int32(3), dstAfter.Nlink)
	})

	t.Run("replacing a non-empty directory fails", func(t *testing.T) {
		_, err := f.Mkdir(ctx, RootIno, "incoming", 0755)
		require.NoError(t, err)
		full, err := f.Mkdir(ctx, RootIno, "occupied", 0755)
		require.NoError(t, err)
		_, err = f.Create(ctx, full.Ino, "tenant.txt", 0644)
		require.NoError(t, err)

		err = f.Rename(ctx, RootIno, "incoming", RootIno, "occupied")
		assert.ErrorIs(t, err, common.ErrNotEmpty)
	})
}

func TestReadOnlyDegradation(t *testing.T) {
	f, cfg := mountTestFS(t)
	ctx := context.Background()

	ino := createFile(t, f, "canary.dat")
	_, err := f.Write(ctx, ino, 0, []byte("initial content"))
	require.NoError(t, err)
	require.NoError(t, f.Sync(ctx, ino))

	// Sabotage the catalog from a second connection: remove the block row
	// out from under the extent. The next overwrite decrefs a missing row.
	cat, err := catalog.OpenUnchecked(cfg.CatalogPath)
	require.NoError(t, err)
	defer cat.Close()
	_, err = cat.DB().NewRaw("DELETE FROM blocks").Exec(ctx)
	require.NoError(t, err)

	_, err = f.Write(ctx, ino, 0, []byte("this write detects the damage"))
	require.ErrorIs(t, err, common.ErrConstraintViolation)
	assert.True(t, f.ReadOnly())

	// Writes are refused from now on; reads still work.
	_, err = f.Write(ctx, ino, 0, []byte("nope"))
	assert.ErrorIs(t, err, common.ErrReadOnly)
	err = f.Truncate(ctx, ino, 0)
	assert.ErrorIs(t, err, common.ErrReadOnly)
	_, err = f.Create(ctx, RootIno, "new.txt", 0644)
	assert.ErrorIs(t, err, common.ErrReadOnly)

	_, err = f.Read(ctx, ino, 0, 10)
	assert.NoError(t, err)
}
