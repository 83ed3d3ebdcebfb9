package history

import "sort"

// Merge combines a fetched batch into a sensor's existing dataset.
// Rows are deduplicated by timestamp with existing rows taking
// precedence, columns are aligned by name, and the result is sorted
// ascending by timestamp. existing may be nil.
func Merge(sensorID int, existing *Dataset, batch Batch) *Dataset {
	columns := mergeColumns(existing, batch)

	seen := make(map[int64]struct{})
	var rows []Row

	if existing != nil {
		for _, r := range existing.Rows {
			key := r.Timestamp.UTC().Unix()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			rows = append(rows, r)
		}
	}

	for _, r := range batch.Rows {
		key := r.Timestamp.UTC().Unix()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, r)
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})

	return &Dataset{
		SensorID: sensorID,
		Columns:  columns,
		Rows:     rows,
	}
}

// mergeColumns keeps the existing column order and appends any columns
// the batch introduces.
func mergeColumns(existing *Dataset, batch Batch) []string {
	var columns []string
	known := make(map[string]struct{})

	if existing != nil {
		for _, c := range existing.Columns {
			if _, ok := known[c]; ok {
				continue
			}
			known[c] = struct{}{}
			columns = append(columns, c)
		}
	}
	for _, c := range batch.Columns {
		if _, ok := known[c]; ok {
			continue
		}
		known[c] = struct{}{}
		columns = append(columns, c)
	}
	return columns
}
