package jobs

// TypeMetrics breaks job counts down for one job type. Succeeded and Failed
// count terminal Completed and Failed records only; dead-lettered jobs are
// counted in Total here and tracked separately at the snapshot level.
type TypeMetrics struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// MetricsSnapshot is an on-demand aggregate over the stored job population.
// No incremental counters are maintained; the snapshot is recomputed per
// query from the records themselves.
type MetricsSnapshot struct {
	Total      int                    `json:"total"`
	ByStatus   map[Status]int         `json:"by_status"`
	ByType     map[string]TypeMetrics `json:"by_type"`
	DeadLetter int                    `json:"dead_letter"`
}

// AggregateMetrics computes a snapshot from a record population. Shared by
// StatusStore implementations so the aggregation semantics stay identical
// regardless of backend.
func AggregateMetrics(recs []*StatusRecord) *MetricsSnapshot {
	snap := &MetricsSnapshot{
		ByStatus: make(map[Status]int),
		ByType:   make(map[string]TypeMetrics),
	}

	for _, rec := range recs {
		snap.Total++
		snap.ByStatus[rec.Status]++

		tm := snap.ByType[rec.JobType]
		tm.Total++
		switch rec.Status {
		case StatusCompleted:
			tm.Succeeded++
		case StatusFailed:
			tm.Failed++
		case StatusDeadLetter:
			snap.DeadLetter++
		}
		snap.ByType[rec.JobType] = tm
	}

	return snap
}
