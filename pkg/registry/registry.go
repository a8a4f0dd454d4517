// Package registry provides a generic name-pattern registry used to
// route provider lookups. Names are slash-separated, typically
// "provider/model". Patterns may use MQTT-style wildcards:
//   - "openai/gpt-4o-mini" matches exactly that name
//   - "openai/+" matches any single trailing segment
//   - "volc/#" matches any remaining segments
//
// Exact segments win over "+" which wins over "#".
package registry

import (
	"errors"
	"sort"
	"strings"
)

// ErrBadPattern is returned for malformed patterns, such as segments
// after a "#".
var ErrBadPattern = errors.New("registry: bad pattern")

// Registry maps name patterns to values of type T.
type Registry[T any] struct {
	children map[string]*Registry[T]
	plus     *Registry[T] // "+" single-segment wildcard
	hash     *Registry[T] // "#" rest-of-name wildcard
	set      bool
	value    T
}

// New returns an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Register stores value under the given pattern, replacing any previous
// value at the same pattern.
func (r *Registry[T]) Register(pattern string, value T) error {
	head, rest, last := splitSeg(pattern)
	switch head {
	case "":
		if last {
			r.value = value
			r.set = true
			return nil
		}
		return ErrBadPattern
	case "+":
		if r.plus == nil {
			r.plus = &Registry[T]{}
		}
		if last {
			r.plus.value = value
			r.plus.set = true
			return nil
		}
		return r.plus.Register(rest, value)
	case "#":
		if !last {
			return ErrBadPattern
		}
		if r.hash == nil {
			r.hash = &Registry[T]{}
		}
		r.hash.value = value
		r.hash.set = true
		return nil
	default:
		if r.children == nil {
			r.children = make(map[string]*Registry[T])
		}
		ch, ok := r.children[head]
		if !ok {
			ch = &Registry[T]{}
			r.children[head] = ch
		}
		if last {
			ch.value = value
			ch.set = true
			return nil
		}
		return ch.Register(rest, value)
	}
}

// Lookup finds the value whose pattern best matches name.
func (r *Registry[T]) Lookup(name string) (T, bool) {
	if v, ok := r.match(name); ok {
		return *v, true
	}
	var zero T
	return zero, false
}

func (r *Registry[T]) match(name string) (*T, bool) {
	if name == "" {
		if r.set {
			return &r.value, true
		}
		return nil, false
	}
	head, rest, last := splitSeg(name)
	if last {
		rest = ""
	}
	if ch, ok := r.children[head]; ok {
		if v, ok := ch.match(rest); ok {
			return v, true
		}
	}
	if r.plus != nil {
		if v, ok := r.plus.match(rest); ok {
			return v, true
		}
	}
	if r.hash != nil && r.hash.set {
		return &r.hash.value, true
	}
	return nil, false
}

// Patterns returns every registered pattern, sorted.
func (r *Registry[T]) Patterns() []string {
	var out []string
	r.walk(nil, &out)
	sort.Strings(out)
	return out
}

func (r *Registry[T]) walk(path []string, out *[]string) {
	if r.set {
		*out = append(*out, strings.Join(path, "/"))
	}
	for seg, ch := range r.children {
		ch.walk(append(path, seg), out)
	}
	if r.plus != nil {
		r.plus.walk(append(path, "+"), out)
	}
	if r.hash != nil && r.hash.set {
		*out = append(*out, strings.Join(append(path, "#"), "/"))
	}
}

func splitSeg(s string) (head, rest string, last bool) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:], false
	}
	return s, "", true
}
