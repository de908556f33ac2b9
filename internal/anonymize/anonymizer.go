// Package anonymize replaces display names with irreversible substitutes and
// keeps the substitutes unique within a run.
package anonymize

import (
	"errors"
	"fmt"
	"strings"

	"dw-etl/internal/logging"
	"dw-etl/internal/model"
	"dw-etl/internal/transform"
)

// ErrNotText is reported when the anonymized column holds a non-string value.
var ErrNotText = errors.New("anonymized column does not hold text")

// Error records a strategy failure. The Anonymizer recovers from it by hashing.
type Error struct {
	Strategy Strategy
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("anonymization strategy '%s' failed: %v", e.Strategy, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Anonymizer applies one strategy and disambiguates its output through a Registry.
type Anonymizer struct {
	strategy Strategy
	fn       Func
	registry *Registry
	degraded int
}

// New returns an Anonymizer for label. Unknown labels fall back to hash with a
// warning. A nil registry gets a fresh one.
func New(label string, registry *Registry) *Anonymizer {
	s, fn, ok := Lookup(label)
	if !ok {
		logging.Logf(logging.Warning, "Anonymizer: unknown strategy '%s', using '%s'", label, StrategyHash)
		s, fn = StrategyHash, Hash
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Anonymizer{strategy: s, fn: fn, registry: registry}
}

// Strategy returns the strategy in effect.
func (a *Anonymizer) Strategy() Strategy { return a.strategy }

// Registry returns the registry the Anonymizer claims names from.
func (a *Anonymizer) Registry() *Registry { return a.registry }

// Degraded returns how many values fell back to hash after a strategy failure
// or because they were not text.
func (a *Anonymizer) Degraded() int { return a.degraded }

// Name anonymizes one display name. Blank names are returned unchanged and
// are not registered.
func (a *Anonymizer) Name(name string) string {
	if strings.TrimSpace(name) == "" {
		return name
	}
	out, err := a.fn(name)
	if err != nil {
		a.degraded++
		logging.Logf(logging.Warning, "Anonymizer: %v; falling back to '%s'", &Error{Strategy: a.strategy, Err: err}, StrategyHash)
		// Hash works on raw bytes and cannot fail for sha256.
		out, _ = Hash(name)
	}
	return a.registry.Claim(out)
}

// Apply anonymizes column in place for every record of b and returns how many
// values were replaced. Records without the column, or with a nil value, are
// skipped. A non-string value is hashed from its text form and counted as degraded.
func (a *Anonymizer) Apply(b model.Batch, column string) int {
	replaced := 0
	for i, rec := range b.Records {
		v, ok := rec[column]
		if !ok || v == nil {
			continue
		}
		var anon string
		if s, ok := v.(string); ok {
			anon = a.Name(s)
			if anon == s {
				continue
			}
		} else {
			a.degraded++
			logging.Logf(logging.Warning, "Anonymizer: batch at offset %d, row %d, column '%s' (%T): %v; hashing its text form",
				b.Offset, i, column, v, ErrNotText)
			// Hash works on raw bytes and cannot fail for sha256.
			anon, _ = Hash(transform.ToString(v))
			anon = a.registry.Claim(anon)
		}
		rec[column] = anon
		replaced++
	}
	return replaced
}
