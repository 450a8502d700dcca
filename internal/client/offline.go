package client

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"formcraft/api/internal/clock"
)

// MaxRetries is how many failed replays an op survives before it is dropped.
const MaxRetries = 3

// Op is a mutation deferred while offline. Key names the resource it
// touches so that later mutations can cancel it.
type Op struct {
	ID       string
	Kind     string
	Key      string
	Run      func(ctx context.Context) error
	OnDrop   func(err error)
	Retries  int
	LastErr  error
	QueuedAt time.Time
}

// FlushResult summarises one replay pass.
type FlushResult struct {
	Applied int
	Pending int
	Dropped []Op
}

// OfflineQueue holds mutations made while the backend is unreachable and
// replays them in FIFO order once it comes back.
type OfflineQueue struct {
	mu       sync.Mutex
	clock    clock.Clock
	online   bool
	flushing bool
	ops      []Op
}

func NewOfflineQueue(c clock.Clock) *OfflineQueue {
	if c == nil {
		c = clock.Real()
	}
	return &OfflineQueue{clock: c, online: true}
}

func (q *OfflineQueue) Enqueue(op Op) Op {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	q.mu.Lock()
	op.QueuedAt = q.clock.Now()
	q.ops = append(q.ops, op)
	q.mu.Unlock()
	return op
}

func (q *OfflineQueue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// SetOnline records connectivity. Going from offline to online flushes
// the queue.
func (q *OfflineQueue) SetOnline(ctx context.Context, online bool) FlushResult {
	q.mu.Lock()
	wasOnline := q.online
	q.online = online
	pending := len(q.ops)
	q.mu.Unlock()
	if online && !wasOnline {
		return q.Flush(ctx)
	}
	return FlushResult{Pending: pending}
}

// Flush replays queued ops in order. Failed ops stay queued with Retries
// incremented; ops reaching MaxRetries are dropped and their OnDrop hook
// runs. A flush already in progress or an offline queue is a no-op.
func (q *OfflineQueue) Flush(ctx context.Context) FlushResult {
	q.mu.Lock()
	if !q.online || q.flushing {
		pending := len(q.ops)
		q.mu.Unlock()
		return FlushResult{Pending: pending}
	}
	q.flushing = true
	batch := q.ops
	q.ops = nil
	q.mu.Unlock()

	var result FlushResult
	var keep []Op
	for i, op := range batch {
		if ctx.Err() != nil {
			keep = append(keep, batch[i:]...)
			break
		}
		err := op.Run(ctx)
		if err == nil {
			result.Applied++
			continue
		}
		op.Retries++
		op.LastErr = err
		if op.Retries >= MaxRetries {
			log.Printf("client: dropping %s op %s after %d attempts: %v", op.Kind, op.ID, op.Retries, err)
			result.Dropped = append(result.Dropped, op)
			continue
		}
		keep = append(keep, op)
	}

	q.mu.Lock()
	// Ops enqueued during the flush go after the survivors.
	q.ops = append(keep, q.ops...)
	q.flushing = false
	result.Pending = len(q.ops)
	q.mu.Unlock()

	for _, op := range result.Dropped {
		if op.OnDrop != nil {
			op.OnDrop(op.LastErr)
		}
	}
	return result
}

// Pending returns a copy of the queued ops.
func (q *OfflineQueue) Pending() []Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Op(nil), q.ops...)
}

// RemoveWhere drops queued ops matching match without running them or
// their OnDrop hooks, and returns them. Ops taken by a running flush are
// not visible.
func (q *OfflineQueue) RemoveWhere(match func(Op) bool) []Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []Op
	kept := q.ops[:0:0]
	for _, op := range q.ops {
		if match(op) {
			removed = append(removed, op)
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	return removed
}

func (q *OfflineQueue) Clear() {
	q.mu.Lock()
	q.ops = nil
	q.mu.Unlock()
}
