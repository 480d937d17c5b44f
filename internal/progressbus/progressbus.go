// Package progressbus implements the Progress Bus (C8): an observer pattern
// that emits one event per stage-phase transition, best-effort and lossy to
// subscribers, but always durably appended to the replay log first.
package progressbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is what subscribers receive.
type Event struct {
	JobID     uuid.UUID `json:"job_id"`
	StageID   string    `json:"stage_id"`
	OldPhase  string    `json:"old_phase"`
	NewPhase  string    `json:"new_phase"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the append-only replay store; Postgres and in-memory
// implementations are provided.
type Log interface {
	Append(ctx context.Context, e Event) error
	Replay(ctx context.Context, jobID uuid.UUID) ([]Event, error)
}

// Broadcaster fans events out across process boundaries (e.g. Redis
// pub/sub). It is optional: a single-shard deployment can run without one.
type Broadcaster interface {
	Publish(ctx context.Context, e Event) error
}

// Bus combines the durable log with in-process fan-out. Publish never
// blocks on a slow subscriber: each subscriber gets a small buffered
// channel and events are dropped for that subscriber if it falls behind,
// preserving per-job order for everyone who keeps up.
type Bus struct {
	log         Log
	broadcaster Broadcaster

	mu          sync.Mutex
	subscribers map[uuid.UUID]map[int]chan Event
	nextID      int
}

func New(log Log, broadcaster Broadcaster) *Bus {
	return &Bus{
		log:         log,
		broadcaster: broadcaster,
		subscribers: map[uuid.UUID]map[int]chan Event{},
	}
}

// Publish persists the event, then best-effort fans it out. The persisted
// write is the one operation allowed to return an error to the caller;
// fan-out failures are swallowed by design (subscribers never block the
// critical path, SPEC_FULL.md §4.8).
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := b.log.Append(ctx, e); err != nil {
		return err
	}
	b.fanOut(e)
	if b.broadcaster != nil {
		_ = b.broadcaster.Publish(ctx, e)
	}
	return nil
}

func (b *Bus) fanOut(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send := func(subs map[int]chan Event) {
		for _, ch := range subs {
			select {
			case ch <- e:
			default:
				// subscriber is behind; drop rather than block (lossy by design)
			}
		}
	}
	send(b.subscribers[e.JobID])
	if e.JobID != uuid.Nil {
		send(b.subscribers[uuid.Nil])
	}
}

// Subscribe returns a channel of live events for jobID (or all jobs if
// jobID is uuid.Nil) and an unsubscribe function. The channel is closed
// when unsubscribe is called.
func (b *Bus) Subscribe(jobID uuid.UUID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 64)
	id := b.nextID
	b.nextID++
	if b.subscribers[jobID] == nil {
		b.subscribers[jobID] = map[int]chan Event{}
	}
	b.subscribers[jobID][id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m, ok := b.subscribers[jobID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(b.subscribers, jobID)
			}
		}
		close(ch)
	}
}

func (b *Bus) Replay(ctx context.Context, jobID uuid.UUID) ([]Event, error) {
	return b.log.Replay(ctx, jobID)
}
