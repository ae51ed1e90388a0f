package arena

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertGetRemove(t *testing.T) {
	a := New[string]()
	t1 := a.Insert("a")
	t2 := a.Insert("b")
	require.False(t, t1.IsZero())
	require.Equal(t, 2, a.Len())

	v, ok := a.Get(t1)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = a.Remove(t1)
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 1, a.Len())

	_, ok = a.Get(t1)
	assert.False(t, ok, "removed token must be stale")
	_, ok = a.Remove(t1)
	assert.False(t, ok, "double remove must fail")

	v, ok = a.Get(t2)
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestSlotReuseInvalidatesOldToken(t *testing.T) {
	a := New[int]()
	old := a.Insert(1)
	a.Remove(old)
	fresh := a.Insert(2)

	_, ok := a.Get(old)
	assert.False(t, ok)
	v, ok := a.Get(fresh)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestZeroTokenIsInvalid(t *testing.T) {
	a := New[int]()
	a.Insert(7)
	_, ok := a.Get(Token{})
	assert.False(t, ok)
}

func TestRemoveIf(t *testing.T) {
	a := New[int]()
	var toks []Token
	for i := 0; i < 10; i++ {
		toks = append(toks, a.Insert(i))
	}
	n := a.RemoveIf(func(v int) bool { return v%2 == 0 })
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, a.Len())
	for i, tok := range toks {
		_, ok := a.Get(tok)
		assert.Equal(t, i%2 == 1, ok)
	}
}

func TestConcurrentInsertRemove(t *testing.T) {
	a := New[int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				tok := a.Insert(g*1000 + i)
				v, ok := a.Get(tok)
				if !ok || v != g*1000+i {
					t.Errorf("lost value %d", g*1000+i)
				}
				a.Remove(tok)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 0, a.Len())
}
