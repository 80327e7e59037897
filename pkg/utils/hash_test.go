package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashString(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashString(""))
	assert.Len(t, HashString("anything"), 64)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "embedding", CacheKey("embedding"))
	key := CacheKey("embedding", "model-a", "hello")
	assert.Equal(t, "embedding:model-a:"+HashString("hello"), key)
	assert.NotEqual(t, key, CacheKey("embedding", "model-b", "hello"))
}
