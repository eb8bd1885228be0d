package schema

import (
	"regexp"
	"sync"
)

// patternCache memoizes compiled field patterns. Schemas are small and
// long-lived, so entries are never evicted.
var patternCache sync.Map // pattern string -> *regexp.Regexp

// matchPattern reports whether s matches the field's pattern. A pattern
// that fails to compile rejects every value; schema validation should
// have caught it at definition time.
func matchPattern(pattern, s string) bool {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp).MatchString(s)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	patternCache.Store(pattern, re)
	return re.MatchString(s)
}
