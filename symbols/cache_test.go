package symbols

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c := NewCache(time.Hour)
	_, ok := c.Get(0x1000)
	require.False(t, ok)

	c.Set(0x1000, "main.foo", "foo.go", 42)
	entry, ok := c.Get(0x1000)
	require.True(t, ok)
	require.Equal(t, "main.foo", entry.Symbol)
	require.Equal(t, "foo.go", entry.File)
	require.Equal(t, 42, entry.Line)
}

func TestCache_ExpiresByTTL(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(0x2000, "main.bar", "bar.go", 1)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(0x2000)
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestCache_Clear(t *testing.T) {
	c := NewCache(time.Hour)
	c.Set(0x1, "a", "a.go", 1)
	c.Set(0x2, "b", "b.go", 2)
	require.Equal(t, 2, c.Len())

	c.Clear()
	require.Equal(t, 0, c.Len())
}

func TestCache_DefaultTTL(t *testing.T) {
	c := NewCache(0)
	require.Equal(t, DefaultTTL, c.ttl)
}

func TestBinaryCache_PutGet(t *testing.T) {
	bc, err := NewBinaryCache(2)
	require.NoError(t, err)

	_, ok := bc.Get("/bin/a")
	require.False(t, ok)

	bc.Put("/bin/a", &goLineTable{})
	_, ok = bc.Get("/bin/a")
	require.True(t, ok)
	require.Equal(t, 1, bc.Len())
}
