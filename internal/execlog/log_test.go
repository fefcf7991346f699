package execlog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func exec(n int, jobID string) domain.Execution {
	return domain.Execution{
		ID:        fmt.Sprintf("exec_%03d", n),
		JobID:     jobID,
		StartedAt: base.Add(time.Duration(n) * time.Minute),
		Status:    domain.ExecutionStatusSuccess,
		Attempt:   1,
	}
}

func ids(execs []domain.Execution) []string {
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.ID
	}
	return out
}

func TestListRecent_NewestFirst(t *testing.T) {
	l := New(10)
	for i := 1; i <= 3; i++ {
		l.Append(exec(i, "job_a"))
	}

	assert.Equal(t, []string{"exec_003", "exec_002", "exec_001"}, ids(l.ListRecent(0)))
	assert.Equal(t, []string{"exec_003", "exec_002"}, ids(l.ListRecent(2)))
	assert.Len(t, l.ListRecent(100), 3, "limit is clamped to retained size")
}

func TestAppend_EvictsOldestAtCapacity(t *testing.T) {
	l := New(3)
	for i := 1; i <= 5; i++ {
		l.Append(exec(i, "job_a"))
		assert.LessOrEqual(t, l.Len(), 3)
	}

	assert.Equal(t, 3, l.Len())
	assert.Equal(t, []string{"exec_005", "exec_004", "exec_003"}, ids(l.ListRecent(10)))

	_, err := l.Get("exec_001")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = l.Get("exec_002")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	got, err := l.Get("exec_004")
	require.NoError(t, err)
	assert.Equal(t, "job_a", got.JobID)
}

func TestListByJob_FiltersAndLimits(t *testing.T) {
	l := New(10)
	for i := 1; i <= 6; i++ {
		job := "job_a"
		if i%2 == 0 {
			job = "job_b"
		}
		l.Append(exec(i, job))
	}

	assert.Equal(t, []string{"exec_006", "exec_004", "exec_002"}, ids(l.ListByJob("job_b", 0)))
	assert.Equal(t, []string{"exec_005"}, ids(l.ListByJob("job_a", 1)))
	assert.Empty(t, l.ListByJob("job_missing", 10))
}

func TestNew_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
}

func TestRestore_KeepsNewest(t *testing.T) {
	l := New(2)
	l.Restore([]domain.Execution{exec(1, "job_a"), exec(2, "job_a"), exec(3, "job_a")})
	assert.Equal(t, []string{"exec_003", "exec_002"}, ids(l.ListRecent(0)))
}

type countingEmitter struct {
	mu sync.Mutex
	n  int
}

func (c *countingEmitter) Publish(ch domain.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.Kind == domain.ChangeExecutionAdded && ch.Execution != nil {
		c.n++
	}
}

func TestAppend_PublishesButRestoreDoesNot(t *testing.T) {
	em := &countingEmitter{}
	l := New(5).WithEmitter(em)
	l.Restore([]domain.Execution{exec(1, "job_a")})
	l.Append(exec(2, "job_a"))
	assert.Equal(t, 1, em.n)
}

func TestConcurrentAppendAndRead(t *testing.T) {
	l := New(50)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Append(exec(w*100+i, fmt.Sprintf("job_%d", w)))
				_ = l.ListRecent(10)
				_ = l.ListByJob("job_1", 5)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 50, l.Len())
}
