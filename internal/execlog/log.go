// Package execlog keeps a bounded, in-memory history of executions.
package execlog

import (
	"sync"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// DefaultCapacity is the number of records retained when none is configured.
const DefaultCapacity = 1000

// ChangeEmitter receives every appended execution. It must not block.
type ChangeEmitter interface {
	Publish(change domain.Change)
}

// Log is a ring buffer of executions. Append never blocks on readers for
// longer than a copy; once full, the oldest record is overwritten.
type Log struct {
	mu    sync.RWMutex
	buf   []domain.Execution
	start int // index of the oldest record
	size  int

	emitter ChangeEmitter
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]domain.Execution, capacity)}
}

// WithEmitter attaches a change emitter used for persistence.
func (l *Log) WithEmitter(e ChangeEmitter) *Log {
	l.emitter = e
	return l
}

// Append stores exec, evicting the oldest record when the log is full.
func (l *Log) Append(exec domain.Execution) {
	l.mu.Lock()
	l.push(exec)
	l.mu.Unlock()

	if l.emitter != nil {
		snap := exec
		l.emitter.Publish(domain.Change{Kind: domain.ChangeExecutionAdded, JobID: exec.JobID, Execution: &snap})
	}
}

// Restore loads persisted executions, given oldest first, without
// publishing changes. Only the newest Cap() records are kept.
func (l *Log) Restore(execs []domain.Execution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range execs {
		l.push(e)
	}
}

// Get returns the execution with id if it is still retained.
func (l *Log) Get(id string) (domain.Execution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := 0; i < l.size; i++ {
		e := l.at(i)
		if e.ID == id {
			return e, nil
		}
	}
	return domain.Execution{}, domain.ExecutionNotFound(id)
}

// ListByJob returns up to limit executions of jobID, newest first.
// A limit <= 0 returns every retained record.
func (l *Log) ListByJob(jobID string, limit int) []domain.Execution {
	return l.collect(limit, func(e *domain.Execution) bool { return e.JobID == jobID })
}

// ListRecent returns up to limit executions across all jobs, newest first.
// A limit <= 0 returns every retained record.
func (l *Log) ListRecent(limit int) []domain.Execution {
	return l.collect(limit, nil)
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Cap returns the retention cap.
func (l *Log) Cap() int {
	return len(l.buf)
}

func (l *Log) collect(limit int, match func(*domain.Execution) bool) []domain.Execution {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	out := make([]domain.Execution, 0, limit)
	for i := l.size - 1; i >= 0 && len(out) < limit; i-- {
		e := l.at(i)
		if match == nil || match(&e) {
			out = append(out, e)
		}
	}
	return out
}

// at returns the i-th oldest retained record. Callers hold mu.
func (l *Log) at(i int) domain.Execution {
	return l.buf[(l.start+i)%len(l.buf)]
}

func (l *Log) push(exec domain.Execution) {
	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = exec
		l.size++
		return
	}
	l.buf[l.start] = exec
	l.start = (l.start + 1) % len(l.buf)
}
