package collection

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncMap(t *testing.T) {
	m := NewSyncMap[string, int]()
	m.Put("a", 1)
	m.Put("b", 2)

	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = m.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 2, m.Size())

	m.Delete("a")
	assert.Equal(t, 1, m.Size())

	seen := map[string]int{}
	m.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	assert.Equal(t, map[string]int{"b": 2}, seen)
}

func TestSyncMapConcurrent(t *testing.T) {
	m := NewSyncMap[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Put(i, i)
			m.Get(i)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, m.Size())
}
