package scheduler

// Accumulators are per-task counter sidecars: user code increments named
// counters through its TaskContext, a successful attempt ships them back
// alongside its result, and the scheduler merges them into the job.
// Failed and cancelled attempts contribute nothing, so a retried task
// counts exactly once.
type Accumulators map[string]int64

// Merge adds every counter in other into a.
func (a Accumulators) Merge(other Accumulators) {
	for k, v := range other {
		a[k] += v
	}
}
