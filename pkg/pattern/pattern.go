// pkg/pattern/pattern.go

// Package pattern implements wildcard matching for dot-separated event
// types. It is the single matcher used on both sides of the protocol:
// the broker evaluates subscription filters with it and client
// dispatchers route callbacks with it, so a pattern accepted at
// subscribe time behaves identically at dispatch time.
package pattern

import (
	"regexp"
	"strings"
	"sync"
)

// cache holds compiled glob patterns. Patterns come from stored
// subscriptions and repeat across publishes, so the set stays small.
var (
	cacheMu  sync.RWMutex
	cache    = make(map[string]*regexp.Regexp)
	cacheCap = 512
)

// Match reports whether eventType matches pattern. Rules, in order:
//
//  1. "*" matches every event type.
//  2. A pattern without wildcards matches only its exact event type.
//  3. "prefix.**" matches "prefix" itself and anything under it.
//  4. "prefix.*" matches "prefix" followed by one or more segments:
//     "github.*" matches "github.push" and "github.repo.push" but not
//     "github" itself.
//  5. Any other pattern is a glob where "*" matches exactly one segment
//     and "**" matches across segment boundaries.
func Match(eventType, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".**"); ok && !strings.Contains(prefix, "*") {
		return eventType == prefix || strings.HasPrefix(eventType, prefix+".")
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok && !strings.Contains(prefix, "*") {
		return strings.HasPrefix(eventType, prefix+".")
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	re, err := compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(eventType)
}

// MatchAny reports whether eventType matches at least one pattern.
func MatchAny(eventType string, patterns []string) bool {
	for _, p := range patterns {
		if Match(eventType, p) {
			return true
		}
	}
	return false
}

// Valid reports whether pattern is usable in a subscription filter.
func Valid(pattern string) bool {
	if pattern == "" {
		return false
	}
	if !strings.Contains(pattern, "*") {
		return true
	}
	_, err := compile(pattern)
	return err == nil
}

func compile(pattern string) (*regexp.Regexp, error) {
	cacheMu.RLock()
	re, ok := cache[pattern]
	cacheMu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(translate(pattern))
	if err != nil {
		return nil, err
	}
	cacheMu.Lock()
	if len(cache) < cacheCap {
		cache[pattern] = re
	}
	cacheMu.Unlock()
	return re, nil
}

// translate converts a glob pattern into an anchored regular expression.
// "**" becomes ".*", a single "*" becomes one dot-free segment, and
// everything else is quoted literally.
func translate(pattern string) string {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		switch {
		case pattern[i] == '*' && i+1 < len(pattern) && pattern[i+1] == '*':
			b.WriteString(".*")
			i++
		case pattern[i] == '*':
			b.WriteString("[^.]+")
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
		}
	}
	b.WriteByte('$')
	return b.String()
}
