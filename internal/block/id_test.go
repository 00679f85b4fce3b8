package block

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSum(t *testing.T) {
	t.Run("identical content produces identical IDs", func(t *testing.T) {
		a := Sum([]byte("hello world"))
		b := Sum([]byte("hello world"))
		assert.Equal(t, a, b)
	})

	t.Run("different content produces different IDs", func(t *testing.T) {
		a := Sum([]byte("hello world"))
		b := Sum([]byte("hello worlD"))
		assert.NotEqual(t, a, b)
	})

	t.Run("empty content has a valid ID", func(t *testing.T) {
		id := Sum(nil)
		assert.False(t, id.IsZero())
		assert.Equal(t, id, Sum([]byte{}))
	})
}

func TestIDString(t *testing.T) {
	id := Sum([]byte("content"))
	s := id.String()
	assert.Len(t, s, IDSize*2)
	assert.Equal(t, strings.ToLower(s), s)
}

func TestParse(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		id := Sum([]byte("roundtrip me"))
		parsed, err := Parse(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		_, err := Parse("abcdef")
		assert.Error(t, err)
	})

	t.Run("rejects non-hex", func(t *testing.T) {
		_, err := Parse(strings.Repeat("zz", IDSize))
		assert.Error(t, err)
	})
}

func TestIsZero(t *testing.T) {
	var zero ID
	assert.True(t, zero.IsZero())
	assert.False(t, Sum([]byte("x")).IsZero())
}
