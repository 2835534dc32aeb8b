package cache_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mechanik-daniel/flashonata/pkg/cache"
	"github.com/mechanik-daniel/flashonata/pkg/types"
)

func TestExpressionCacheLRU(t *testing.T) {
	c := cache.New(2)

	a := types.NewExpression(nil, "a", nil)
	b := types.NewExpression(nil, "b", nil)
	d := types.NewExpression(nil, "d", nil)

	c.Set("a", a)
	c.Set("b", b)
	_, ok := c.Get("a") // refresh a
	require.True(t, ok)

	c.Set("d", d) // evicts b
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestExpressionCacheGetOrCompile(t *testing.T) {
	c := cache.New(4)
	compiles := 0
	compile := func() (*types.Expression, error) {
		compiles++
		return types.NewExpression(nil, "x", nil), nil
	}

	_, err := c.GetOrCompile("x", compile)
	require.NoError(t, err)
	_, err = c.GetOrCompile("x", compile)
	require.NoError(t, err)
	assert.Equal(t, 1, compiles)
}

func TestRegexCacheIdempotent(t *testing.T) {
	rc := cache.NewRegexCache(nil)

	re, err := rc.GetOrCompile("a+")
	require.NoError(t, err)
	require.NotNil(t, re)

	again, err := rc.GetOrCompile("a+")
	require.NoError(t, err)
	assert.Same(t, re, again)

	_, err = rc.GetOrCompile("(")
	assert.Error(t, err)
}

func TestRegexCacheConcurrent(t *testing.T) {
	rc := cache.NewRegexCache(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			re, err := rc.GetOrCompile("[0-9]+")
			assert.NoError(t, err)
			assert.NotNil(t, re)
		}()
	}
	wg.Wait()
	assert.NotNil(t, rc.Get("[0-9]+"))
}
