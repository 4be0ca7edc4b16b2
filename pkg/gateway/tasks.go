package gateway

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	taskStatusCompleted = "completed"
	taskStatusFailed    = "failed"
)

// taskRecord is the stored outcome of one /task dispatch.
type taskRecord struct {
	ID        string
	SessionID string
	Action    string
	Status    string
	Result    map[string]any
	Error     string
	CreatedAt time.Time
}

// taskLog keeps recent task outcomes in memory for status lookups. Tasks
// run synchronously, so a record is only ever completed or failed. The
// log is bounded; the oldest record is evicted once the cap is reached.
type taskLog struct {
	mu    sync.Mutex
	cap   int
	order []string
	byID  map[string]*taskRecord
}

func newTaskLog(capacity int) *taskLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &taskLog{cap: capacity, byID: make(map[string]*taskRecord)}
}

// newTaskID returns a sortable unique task identifier.
func newTaskID() string {
	return ulid.Make().String()
}

func (l *taskLog) add(rec *taskRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.byID[rec.ID]; !exists {
		l.order = append(l.order, rec.ID)
		for len(l.order) > l.cap {
			delete(l.byID, l.order[0])
			l.order = l.order[1:]
		}
	}
	l.byID[rec.ID] = rec
}

func (l *taskLog) get(id string) (*taskRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byID[id]
	return rec, ok
}
