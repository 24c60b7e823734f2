// Package bridge connects the automation core to a UI driver: state
// snapshots fan out to subscribers, and UI commands flow back through an
// acknowledged queue.
package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Snapshot is one published view of automation state.
type Snapshot struct {
	Seq       int64           `json:"seq"`
	ProjectID string          `json:"project_id"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

const defaultSubscriberBuffer = 16

// Broker fans snapshots out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the snapshot and catches up on the
// next one, since snapshots are full state, not deltas.
type Broker struct {
	logger *zap.Logger

	mu      sync.Mutex
	nextSeq int64
	nextSub int64
	subs    map[int64]chan Snapshot
	bufSize int
	dropped int64
}

// NewBroker builds a Broker.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		logger:  logger,
		subs:    make(map[int64]chan Snapshot),
		bufSize: defaultSubscriberBuffer,
	}
}

// Subscribe registers a snapshot receiver. The returned cancel func must be
// called to release the subscription; it closes the channel.
func (b *Broker) Subscribe() (<-chan Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Snapshot, b.bufSize)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish stamps the snapshot with the next sequence number and delivers it
// to every subscriber that has room.
func (b *Broker) Publish(snap Snapshot) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	snap.Seq = b.nextSeq
	if snap.At.IsZero() {
		snap.At = time.Now().UTC()
	}

	for id, ch := range b.subs {
		select {
		case ch <- snap:
		default:
			b.dropped++
			b.logger.Debug("subscriber buffer full, snapshot skipped",
				zap.Int64("subscriber", id), zap.Int64("seq", snap.Seq))
		}
	}
	return snap
}

// Dropped reports how many snapshot deliveries were skipped.
func (b *Broker) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Command kinds the UI driver understands.
const (
	CommandNavigate     = "navigate"
	CommandOpenFile     = "open-file"
	CommandInvokeAction = "invoke-action"
)

// Command is one queued UI instruction. IDs increase monotonically per
// queue and never repeat.
type Command struct {
	ID         int64          `json:"id"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Queue holds commands until the UI driver acknowledges them by id.
// Acknowledging id N prunes every command at or below N, so one ack after a
// batch is enough.
type Queue struct {
	mu      sync.Mutex
	nextID  int64
	acked   int64
	pending []Command
}

// NewQueue builds an empty command queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends a command and returns it with its assigned id.
func (q *Queue) Enqueue(kind string, payload map[string]any) Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	cmd := Command{
		ID:         q.nextID,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	q.pending = append(q.pending, cmd)
	return cmd
}

// Pending returns the unacknowledged commands in enqueue order. The same
// commands are returned again until acknowledged, which is how redelivery
// works.
func (q *Queue) Pending() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Command, len(q.pending))
	copy(out, q.pending)
	return out
}

// Ack acknowledges every command with id at or below the given id. Acks
// arriving out of order or repeated are harmless.
func (q *Queue) Ack(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if id <= q.acked {
		return
	}
	q.acked = id

	kept := q.pending[:0]
	for _, cmd := range q.pending {
		if cmd.ID > id {
			kept = append(kept, cmd)
		}
	}
	q.pending = kept
}

// Acked returns the highest acknowledged command id.
func (q *Queue) Acked() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

// Receiver is the consumer-side dedupe: a command delivered twice (the
// queue redelivers anything unacked) is processed once.
type Receiver struct {
	mu   sync.Mutex
	seen int64
}

// Accept reports whether cmd should be processed. Commands at or below the
// highest already-accepted id are dropped.
func (r *Receiver) Accept(cmd Command) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd.ID <= r.seen {
		return false
	}
	r.seen = cmd.ID
	return true
}
