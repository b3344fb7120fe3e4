package registry

import (
	"sync"
	"time"

	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
)

// Entry is a result held by a buffer together with its sibling position
type Entry struct {
	Order  int
	Result protocol.Result
}

// Buffer is the reassembly state of one correlation root. All fields are
// guarded by the embedded mutex.
type Buffer struct {
	sync.Mutex

	// Delivery serializes publishing for the root. It is acquired before the
	// state lock is released so messages leave in the order they were built.
	Delivery sync.Mutex

	Task         string
	NextExpected int
	Pending      map[int][]protocol.Result
	LastOrder    int // 0 until the terminal sibling is seen

	// Batch accumulates results of non-streaming roots; Arrived tracks which
	// orders have contributed to it
	Batch   []Entry
	Arrived map[int]bool

	// Seen holds the ids of units already ingested
	Seen map[string]bool

	CreatedAt time.Time
	LastSeen  time.Time
	// Released is set when the buffer is removed from the registry; late
	// writers holding a reference must drop their result
	Released bool
}

// NewBuffer creates the state for a root of the given task kind
func NewBuffer(task string) *Buffer {
	now := time.Now()
	return &Buffer{
		Task:         task,
		NextExpected: 1,
		Pending:      make(map[int][]protocol.Result),
		Arrived:      make(map[int]bool),
		Seen:         make(map[string]bool),
		CreatedAt:    now,
		LastSeen:     now,
	}
}

// Canceler stops a scheduled deadline
type Canceler interface {
	Cancel()
}

// Record is the retry state of one dispatched unit, guarded by the embedded mutex
type Record struct {
	sync.Mutex

	Attempts int
	Payload  []byte
	Unit     *protocol.TaskUnit
	Deadline Canceler
	Removed  bool
}

// Registry owns the buffers, retry records and finished-root tombstones
type Registry struct {
	Buffers  *Map[string, *Buffer]
	Records  *Map[string, *Record]
	Finished *Map[string, time.Time]
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		Buffers:  NewMap[string, *Buffer](),
		Records:  NewMap[string, *Record](),
		Finished: NewMap[string, time.Time](),
	}
}

// Stats is a point-in-time view of the registry sizes
type Stats struct {
	ActiveBuffers int `json:"active_buffers"`
	TrackedUnits  int `json:"tracked_units"`
	FinishedRoots int `json:"finished_roots"`
}

func (r *Registry) Stats() Stats {
	return Stats{
		ActiveBuffers: r.Buffers.Len(),
		TrackedUnits:  r.Records.Len(),
		FinishedRoots: r.Finished.Len(),
	}
}
