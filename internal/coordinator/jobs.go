package coordinator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/track-orchestrator/pkg/types"
)

// ValidateJobs checks a batch before it is run: at least one job, non-empty
// unique job IDs and non-empty item IDs unique within their job.
func ValidateJobs(jobs []types.Job) error {
	if len(jobs) == 0 {
		return fmt.Errorf("%w: no jobs submitted", ErrInvalidJob)
	}
	seen := make(map[types.JobID]struct{}, len(jobs))
	for i, job := range jobs {
		if job.ID == "" {
			return fmt.Errorf("%w: job %d has an empty id", ErrInvalidJob, i)
		}
		if _, dup := seen[job.ID]; dup {
			return fmt.Errorf("%w: duplicate job id %q", ErrInvalidJob, job.ID)
		}
		seen[job.ID] = struct{}{}

		items := make(map[string]struct{}, len(job.Items))
		for j, item := range job.Items {
			if item.ID == "" {
				return fmt.Errorf("%w: job %q item %d has an empty id", ErrInvalidJob, job.ID, j)
			}
			if _, dup := items[item.ID]; dup {
				return fmt.Errorf("%w: job %q has duplicate item id %q", ErrInvalidJob, job.ID, item.ID)
			}
			items[item.ID] = struct{}{}
		}
	}
	return nil
}

// sortJobs returns the jobs ordered by ascending priority. Negative
// priorities run first. Priority 0 means unset and sorts after every
// explicit priority; ties keep submission order.
func sortJobs(jobs []types.Job) []types.Job {
	sorted := make([]types.Job, len(jobs))
	copy(sorted, jobs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank(sorted[i].Priority) < rank(sorted[j].Priority)
	})
	return sorted
}

func rank(priority int) int {
	if priority == 0 {
		return int(^uint(0) >> 1)
	}
	return priority
}

// jobQueue is the shared queue workers pop units from.
type jobQueue struct {
	mu   sync.Mutex
	jobs []types.Job
	next int
}

func newJobQueue(jobs []types.Job) *jobQueue {
	return &jobQueue{jobs: jobs}
}

func (q *jobQueue) pop() (types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next >= len(q.jobs) {
		return types.Job{}, false
	}
	job := q.jobs[q.next]
	q.next++
	return job, true
}
