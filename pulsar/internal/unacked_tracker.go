package internal

import (
	"container/list"
	"sync"
	"time"

	"github.com/brokerstream/pulsar-consumer-core/pulsar/log"
)

// OrderedID is the minimal contract UnackedMessageTracker needs from a
// message identifier: total order, so remove_messages_till can prune
// everything at or below a cumulative-ack boundary (spec §6).
type OrderedID interface {
	Less(other OrderedID) bool
	Equal(other OrderedID) bool
}

type unackedEntry struct {
	id      OrderedID
	addedAt time.Time
}

// UnackedMessageTracker is the timer-driven external collaborator named
// in spec §2.3/§6: it remembers delivered-but-unacked ids and triggers
// redelivery once an id has sat unacknowledged past ackTimeout. Entries
// are kept in add order in a doubly-linked list; since messages arrive
// and are tracked in broker order for a single partition (spec §5), add
// order coincides with id order, so the same structure also answers
// remove_messages_till(id) by walking from the front.
type UnackedMessageTracker struct {
	mu         sync.Mutex
	order      *list.List
	index      map[OrderedID]*list.Element
	ackTimeout time.Duration
	tick       time.Duration
	onTimeout  func([]OrderedID)
	log        log.Logger

	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewUnackedMessageTracker builds a tracker. onTimeout is invoked
// (on the tracker's own goroutine) with the batch of ids that aged past
// ackTimeout at each tick; the caller is expected to trigger redelivery
// for them. If ackTimeout is zero, tracking is disabled: Add/Remove are
// no-ops and no goroutine is started, mirroring the real client's
// "ack timeout == 0 means no tracker" convention.
func NewUnackedMessageTracker(ackTimeout, tick time.Duration, onTimeout func([]OrderedID), logger log.Logger) *UnackedMessageTracker {
	t := &UnackedMessageTracker{
		order:      list.New(),
		index:      make(map[OrderedID]*list.Element),
		ackTimeout: ackTimeout,
		tick:       tick,
		onTimeout:  onTimeout,
		log:        logger,
		closeCh:    make(chan struct{}),
	}
	if ackTimeout > 0 {
		t.wg.Add(1)
		go t.run()
	}
	return t
}

func (t *UnackedMessageTracker) run() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeCh:
			return
		case <-ticker.C:
			t.expire()
		}
	}
}

func (t *UnackedMessageTracker) expire() {
	var expired []OrderedID
	deadline := time.Now().Add(-t.ackTimeout)

	t.mu.Lock()
	for {
		front := t.order.Front()
		if front == nil {
			break
		}
		entry := front.Value.(*unackedEntry)
		if entry.addedAt.After(deadline) {
			break
		}
		t.order.Remove(front)
		delete(t.index, entry.id)
		expired = append(expired, entry.id)
	}
	t.mu.Unlock()

	if len(expired) > 0 && t.onTimeout != nil {
		t.log.Debugf("unacked tracker: %d messages timed out, requesting redelivery", len(expired))
		t.onTimeout(expired)
	}
}

// Add records a delivered id as outstanding.
func (t *UnackedMessageTracker) Add(id OrderedID) {
	if t.ackTimeout <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[id]; ok {
		return
	}
	el := t.order.PushBack(&unackedEntry{id: id, addedAt: time.Now()})
	t.index[id] = el
}

// Remove drops a single id, e.g. after an individual ack.
func (t *UnackedMessageTracker) Remove(id OrderedID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.index[id]
	if !ok {
		return
	}
	t.order.Remove(el)
	delete(t.index, id)
}

// RemoveMessagesTill removes every tracked id with id' <= id (cumulative
// ack semantics, spec §4.5 step 4) and returns how many were removed.
func (t *UnackedMessageTracker) RemoveMessagesTill(id OrderedID) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var count uint32
	for {
		front := t.order.Front()
		if front == nil {
			break
		}
		entry := front.Value.(*unackedEntry)
		if entry.id.Equal(id) || entry.id.Less(id) {
			t.order.Remove(front)
			delete(t.index, entry.id)
			count++
			continue
		}
		break
	}
	return count
}

// Clear empties the tracker, e.g. on subscribe completion / reconnect
// (spec §4.2's "state: empty... on subscribe completion" applies here
// too, since unacked state from a prior incarnation is meaningless).
func (t *UnackedMessageTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order.Init()
	t.index = make(map[OrderedID]*list.Element)
}

// Close stops the timer goroutine. Safe to call multiple times.
func (t *UnackedMessageTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	if t.ackTimeout > 0 {
		close(t.closeCh)
		t.wg.Wait()
	}
}
