package engine

import (
	"regexp"
	"sync"
)

// patternCache compiles group and skip regexes once per distinct pattern
// string. Editing a pattern changes its key, so stale entries are never hit.
type patternCache struct {
	store sync.Map // map[string]*compiledPattern
}

type compiledPattern struct {
	re  *regexp.Regexp
	err error
}

// prefix returns pattern anchored at the start of the input. Matching is
// prefix matching: the pattern need not consume the whole input.
func (c *patternCache) prefix(pattern string) (*regexp.Regexp, error) {
	if v, ok := c.store.Load(pattern); ok {
		cp := v.(*compiledPattern)
		return cp.re, cp.err
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	v, _ := c.store.LoadOrStore(pattern, &compiledPattern{re: re, err: err})
	cp := v.(*compiledPattern)
	return cp.re, cp.err
}
