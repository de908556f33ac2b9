package anonymize

import "fmt"

// Registry remembers every anonymized string emitted during one run so that
// two different names never leave the pipeline as the same string.
// It belongs to a single run and is not safe for concurrent use.
type Registry struct {
	// seen maps an emitted string to the highest occurrence suffix handed out for it.
	seen map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]int)}
}

// Claim returns s the first time it is seen and "s #2", "s #3", ... afterwards.
// The returned string is registered too, so no later claim can produce it again.
func (r *Registry) Claim(s string) string {
	n, ok := r.seen[s]
	if !ok {
		r.seen[s] = 1
		return s
	}
	for k := n + 1; ; k++ {
		candidate := fmt.Sprintf("%s #%d", s, k)
		if _, taken := r.seen[candidate]; taken {
			continue
		}
		r.seen[s] = k
		r.seen[candidate] = 1
		return candidate
	}
}

// Seen reports whether s has been emitted.
func (r *Registry) Seen(s string) bool {
	_, ok := r.seen[s]
	return ok
}

// Len returns the number of distinct strings emitted.
func (r *Registry) Len() int { return len(r.seen) }
