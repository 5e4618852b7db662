package metadata

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCache_LastWriteWins(t *testing.T) {
	c := NewCache()

	_, ok := c.Get("author")
	assert.False(t, ok)

	c.Set("author", "first")
	c.Set("author", "second")

	name, ok := c.Get("author")
	assert.True(t, ok)
	assert.Equal(t, "second", name)
	assert.Equal(t, 1, c.Len())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("author", "name")
				c.Get("author")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, c.Len())
}
