package history

import "time"

// Span is the contiguous date interval already reflected in a sensor's
// persisted dataset.
type Span struct {
	Min time.Time
	Max time.Time
}

// IsZero reports whether the span carries no coverage at all.
func (s Span) IsZero() bool {
	return s.Min.IsZero() && s.Max.IsZero()
}

// Covers reports whether the window lies fully inside the span,
// inclusive on both bounds. A window wholly inside a prior successful
// fetch is never re-fetched; this is what keeps repeated runs
// idempotent and cheap.
func (s Span) Covers(w Window) bool {
	if s.IsZero() {
		return false
	}
	return !w.Earlier.Before(s.Min) && !w.Later.After(s.Max)
}

// Contains reports whether a single timestamp lies inside the span,
// inclusive on both bounds.
func (s Span) Contains(t time.Time) bool {
	if s.IsZero() {
		return false
	}
	return !t.Before(s.Min) && !t.After(s.Max)
}
