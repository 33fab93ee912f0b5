package daemon

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

type requestKind uint8

const (
	reqChange requestKind = iota
	reqRestore
)

func (k requestKind) String() string {
	if k == reqRestore {
		return "restore"
	}
	return "change"
}

// request is one queued message. For a restore, current is the last
// completed point and target the last requested one.
type request struct {
	id       uuid.UUID
	kind     requestKind
	current  *perf.ChangeDescriptor
	target   *perf.ChangeDescriptor
	queuedAt time.Time
	done     chan Completion
}

// RequestQ is the daemon's inbound FIFO. Any goroutine may enqueue; only
// the daemon dequeues.
type RequestQ struct {
	queue   []*request
	mx      sync.Mutex
	Created int
	wake    chan struct{}
}

func newRequestQ() *RequestQ {
	return &RequestQ{wake: make(chan struct{}, 1)}
}

func (q *RequestQ) Enqueue(r *request) {
	q.mx.Lock()
	r.queuedAt = time.Now()
	q.queue = append(q.queue, r)
	q.Created++
	q.mx.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

var ErrEmptyQ = errors.New("empty request queue")

func (q *RequestQ) Dequeue() (*request, error) {
	q.mx.Lock()
	defer q.mx.Unlock()

	if len(q.queue) == 0 {
		return nil, ErrEmptyQ
	}
	r := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	log.Debugf("dequeued %v %v after %v", r.kind, r.id, time.Since(r.queuedAt))
	return r, nil
}

// ClearQ empties the queue and returns what was in it.
func (q *RequestQ) ClearQ() []*request {
	q.mx.Lock()
	defer q.mx.Unlock()

	out := q.queue
	q.queue = nil
	return out
}

func (q *RequestQ) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()

	return len(q.queue)
}
