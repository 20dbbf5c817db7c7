package archive

import (
	"sync"
	"time"
)

// State tracks a request through its lifecycle. The pipeline overlaps
// fetching, archiving and uploading on one stream, so the three middle
// phases name the stage currently gating progress rather than exclusive
// steps.
type State string

const (
	// StatePlanned means the request is admitted, planned and waiting for
	// a worker.
	StatePlanned State = "planned"
	// StateFetching means download workers are still pulling files.
	StateFetching State = "fetching"
	// StateArchiving means every fetch has resolved and the zip stream is
	// draining its remaining entries.
	StateArchiving State = "archiving"
	// StateUploading means the archive stream is fully written and the
	// tail parts are being pushed and finalized.
	StateUploading State = "uploading"
	// StateNotifying means the outcome is being published.
	StateNotifying State = "notifying"

	StateCompleted           State = "completed"
	StateCompletedWithErrors State = "completed_with_errors"
	StateFailed              State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCompletedWithErrors || s == StateFailed
}

// Status is a point-in-time snapshot of one request.
type Status struct {
	RequestID        string        `json:"requestId"`
	EventID          string        `json:"eventId"`
	State            State         `json:"state"`
	Tier             Tier          `json:"tier"`
	EstimatedSeconds int           `json:"estimatedTimeSeconds"`
	FileCount        int           `json:"fileCount"`
	Files            []FileOutcome `json:"files,omitempty"`
	DownloadURL      string        `json:"downloadURL,omitempty"`
	ExpiresAt        time.Time     `json:"expiresAt,omitzero"`
	SizeBytes        int64         `json:"sizeBytes,omitempty"`
	Checksum         string        `json:"checksum,omitempty"`
	Error            string        `json:"error,omitempty"`
	AcceptedAt       time.Time     `json:"acceptedAt"`
	StartedAt        time.Time     `json:"startedAt,omitzero"`
	FinishedAt       time.Time     `json:"finishedAt,omitzero"`
}

// record pairs a status with a channel closed on its terminal transition,
// so callers can block for an outcome without polling.
type record struct {
	st   Status
	done chan struct{}
}

// registry tracks in-flight and recently finished requests in memory.
// Finished entries age out after the retention period; pruning rides along
// on writes so no sweeper goroutine is needed.
type registry struct {
	mu        sync.Mutex
	records   map[string]*record
	retention time.Duration
	now       func() time.Time
}

func newRegistry(retention time.Duration) *registry {
	if retention <= 0 {
		retention = time.Hour
	}
	return &registry{
		records:   make(map[string]*record),
		retention: retention,
		now:       time.Now,
	}
}

// add registers a freshly planned request. A duplicate of a request still
// in flight is refused; a terminal record under the same id is replaced.
func (r *registry) add(st Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	if prev, ok := r.records[st.RequestID]; ok && !prev.st.State.Terminal() {
		return false
	}
	st.State = StatePlanned
	st.AcceptedAt = r.now()
	r.records[st.RequestID] = &record{st: st, done: make(chan struct{})}
	return true
}

// advance moves a request to the next pipeline phase. Terminal records are
// left alone.
func (r *registry) advance(id string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.st.State.Terminal() {
		return
	}
	rec.st.State = state
	if state == StateFetching && rec.st.StartedAt.IsZero() {
		rec.st.StartedAt = r.now()
	}
}

// finish applies mutate to the status, stamps the finish time and releases
// waiters. mutate must set the terminal state.
func (r *registry) finish(id string, mutate func(*Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	mutate(&rec.st)
	rec.st.FinishedAt = r.now()
	close(rec.done)
}

// remove drops a request that never reached a worker, releasing any waiter.
func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	if !rec.st.State.Terminal() {
		close(rec.done)
	}
	delete(r.records, id)
}

func (r *registry) get(id string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Status{}, false
	}
	out := rec.st
	out.Files = make([]FileOutcome, len(rec.st.Files))
	copy(out.Files, rec.st.Files)
	return out, true
}

// wait returns the channel closed when the request finishes.
func (r *registry) wait(id string) (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	return rec.done, true
}

func (r *registry) pruneLocked() {
	cutoff := r.now().Add(-r.retention)
	for id, rec := range r.records {
		if rec.st.State.Terminal() && rec.st.FinishedAt.Before(cutoff) {
			delete(r.records, id)
		}
	}
}
