package history

// SkipRule marks windows for sensors whose history inside a fixed
// reference range was already populated by a separate bulk import.
// Re-fetching that span from the live API would waste rate-limited
// quota.
type SkipRule struct {
	ids   map[int]struct{}
	scope Span
}

// NewSkipRule builds a rule from the externally-sourced sensor ids and
// the date range the bulk import covered.
func NewSkipRule(sensorIDs []int, scope Span) SkipRule {
	ids := make(map[int]struct{}, len(sensorIDs))
	for _, id := range sensorIDs {
		ids[id] = struct{}{}
	}
	return SkipRule{ids: ids, scope: scope}
}

// Skips reports whether the window should be skipped for the sensor:
// the sensor is in the externally-sourced set and both window bounds
// fall within the reference range.
func (r SkipRule) Skips(sensorID int, w Window) bool {
	if _, ok := r.ids[sensorID]; !ok {
		return false
	}
	return r.scope.Covers(w)
}
