package remote

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirStore(t *testing.T) {
	ctx := context.Background()

	t.Run("put then get", func(t *testing.T) {
		s := NewDirStore(memfs.New())
		require.NoError(t, s.Put(ctx, "abcdef0123", []byte("frame bytes")))

		got, err := s.Get(ctx, "abcdef0123")
		require.NoError(t, err)
		assert.Equal(t, []byte("frame bytes"), got)
	})

	t.Run("get of a missing key", func(t *testing.T) {
		s := NewDirStore(memfs.New())
		_, err := s.Get(ctx, "ffff00000000")
		assert.ErrorIs(t, err, ErrNoSuchObject)
	})

	t.Run("put overwrites", func(t *testing.T) {
		s := NewDirStore(memfs.New())
		require.NoError(t, s.Put(ctx, "aa11", []byte("v1")))
		require.NoError(t, s.Put(ctx, "aa11", []byte("v2")))

		got, err := s.Get(ctx, "aa11")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("delete removes the object", func(t *testing.T) {
		s := NewDirStore(memfs.New())
		require.NoError(t, s.Put(ctx, "bb22", []byte("x")))
		require.NoError(t, s.Delete(ctx, "bb22"))

		_, err := s.Get(ctx, "bb22")
		assert.ErrorIs(t, err, ErrNoSuchObject)
	})

	t.Run("delete of a missing key is not an error", func(t *testing.T) {
		s := NewDirStore(memfs.New())
		assert.NoError(t, s.Delete(ctx, "cc33"))
	})

	t.Run("keys fan out into subdirectories", func(t *testing.T) {
		fs := memfs.New()
		s := NewDirStore(fs)
		require.NoError(t, s.Put(ctx, "ab999", []byte("x")))

		_, err := fs.Stat("ab/ab999")
		assert.NoError(t, err)
	})

	t.Run("list returns all keys", func(t *testing.T) {
		s := NewDirStore(memfs.New())
		keys := []string{"aa01", "aa02", "bb01"}
		for _, k := range keys {
			require.NoError(t, s.Put(ctx, k, []byte(k)))
		}

		got, err := s.List(ctx, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, keys, got)
	})

	t.Run("list honors the prefix", func(t *testing.T) {
		s := NewDirStore(memfs.New())
		require.NoError(t, s.Put(ctx, "aa01", []byte("x")))
		require.NoError(t, s.Put(ctx, "bb01", []byte("x")))

		got, err := s.List(ctx, "aa")
		require.NoError(t, err)
		assert.Equal(t, []string{"aa01"}, got)
	})

	t.Run("list of an empty store", func(t *testing.T) {
		s := NewDirStore(memfs.New())
		got, err := s.List(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
