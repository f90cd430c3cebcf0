package condition

import (
	"fmt"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultRegexCacheSize = 128
	maxRegexLength        = 512
)

// regexCache holds compiled guard patterns keyed by source text.
type regexCache struct {
	cache *lru.Cache[string, *regexp.Regexp]
}

func newRegexCache(size int) *regexCache {
	if size <= 0 {
		size = defaultRegexCacheSize
	}
	cache, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		panic(fmt.Sprintf("condition: regex cache: %v", err))
	}
	return &regexCache{cache: cache}
}

func (r *regexCache) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := r.cache.Get(pattern); ok {
		return re, nil
	}
	if len(pattern) > maxRegexLength {
		return nil, fmt.Errorf("regex pattern too long (max %d chars): %d chars", maxRegexLength, len(pattern))
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}
	r.cache.Add(pattern, re)
	return re, nil
}

func (r *regexCache) len() int { return r.cache.Len() }
