package archive

import (
	"sort"
	"sync"
)

// FileStatus is the terminal disposition of one requested file.
type FileStatus string

const (
	FileIncluded FileStatus = "included"
	FileFailed   FileStatus = "failed"
	FileDeferred FileStatus = "deferred"
)

// FileOutcome records what happened to one requested file.
type FileOutcome struct {
	FileName  string     `json:"fileName"`
	Status    FileStatus `json:"status"`
	SizeBytes int64      `json:"sizeBytes,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Summary accumulates per-file outcomes from concurrent fetch workers.
// Every requested file is recorded exactly once; one file's failure never
// touches another's record.
type Summary struct {
	mu       sync.Mutex
	outcomes []FileOutcome
	included int
	failed   int
	deferred int
	bytes    int64
}

func NewSummary() *Summary {
	return &Summary{}
}

// Included records a file that made it into the archive.
func (s *Summary) Included(name string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, FileOutcome{FileName: name, Status: FileIncluded, SizeBytes: size})
	s.included++
	s.bytes += size
}

// Failed records a file abandoned after its retry budget.
func (s *Summary) Failed(name, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, FileOutcome{FileName: name, Status: FileFailed, Reason: reason})
	s.failed++
}

// Deferred records a file excluded up front by the collection plan.
func (s *Summary) Deferred(name, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, FileOutcome{FileName: name, Status: FileDeferred, Reason: reason})
	s.deferred++
}

// Counts reports how many files landed in each disposition.
func (s *Summary) Counts() (included, failed, deferred int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.included, s.failed, s.deferred
}

// IncludedBytes reports the total content bytes that entered the archive.
func (s *Summary) IncludedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Outcomes returns every file's record sorted by name, so the listing is
// stable however the workers raced.
func (s *Summary) Outcomes() []FileOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FileOutcome, len(s.outcomes))
	copy(out, s.outcomes)
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out
}

// FailedOutcomes returns only the failed records, for the completion event.
func (s *Summary) FailedOutcomes() []FileOutcome {
	var failed []FileOutcome
	for _, o := range s.Outcomes() {
		if o.Status == FileFailed {
			failed = append(failed, o)
		}
	}
	return failed
}
