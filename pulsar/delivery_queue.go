package pulsar

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// EnqueueOutcome reports what Enqueue did with a delivered message, so
// the caller (ConsumerCore) can drive the side effects spec §4.1 and
// §4.4 attach to each case -- flow-controller accounting, unacked
// tracking, and metrics are deliberately kept out of this type so the
// delivery queue stays a pure data structure.
type EnqueueOutcome int

const (
	// OutcomeDropped means there was no waiter and the queue is a
	// zero-capacity rendezvous with no fetch_single currently blocked:
	// spec §4.4 has no instruction to buffer in this case, so the
	// message is discarded (still occupies a tracked unacked slot until
	// the caller decides otherwise).
	OutcomeDropped EnqueueOutcome = iota
	// OutcomeCompletedWaiter means a pending async-receive future was
	// completed directly without touching the incoming queue, or a
	// blocked fetch_single was handed the message through the incoming
	// queue (the one case where this outcome still pushes onto it).
	OutcomeCompletedWaiter
	// OutcomeQueued means the message was appended to the incoming
	// queue for a later receive call to pick up.
	OutcomeQueued
)

// pendingReceive is one outstanding ReceiveAsync call (spec §4.4
// "PendingReceives"): resultCh is buffered 1 so Complete never blocks.
type pendingReceive struct {
	resultCh chan asyncResult
}

type asyncResult struct {
	msg Message
	err error
}

// DeliveryQueue is the IncomingQueue + PendingReceives pairing of spec
// §4.4. The teacher's consumer_partition.go couples an unbuffered
// queueCh/messageCh pair with a single dispatcher goroutine; this
// generalizes that into an explicit structure usable from multiple
// receive flavors (blocking, timed, async, fetch_single) concurrently.
//
// stateMu arbitrates the one race that matters: Enqueue deciding
// "nobody is waiting, buffer this" must never interleave with
// ReceiveAsync deciding "the queue is empty, register a waiter" --
// spec §5 calls for a read/write lock here, with enqueue taking the
// read side (multiple frame handlers, or a listener pump, may enqueue
// concurrently) and ReceiveAsync's check-then-register taking the
// write side. Per spec §9's own allowance, a single mutex would also
// satisfy the invariant; the RWMutex is kept because the pack's own
// consumer code distinguishes reader/writer access on hot paths this
// shaped.
type DeliveryQueue struct {
	stateMu sync.RWMutex

	pendingMu sync.Mutex
	pending   *list.List // of *pendingReceive

	queue *messageQueue

	receiverQueueSize  int
	waitingOnZeroQueue bool // set while a fetch_single is blocked with a 0-size queue
}

// NewDeliveryQueue builds an empty delivery queue. receiverQueueSize is
// the consumer's configured receiver queue size; 0 puts the queue in
// fetch_single-only rendezvous mode (spec §4.4 bullet 3).
func NewDeliveryQueue(receiverQueueSize int) *DeliveryQueue {
	return &DeliveryQueue{
		pending:           list.New(),
		queue:             newMessageQueue(),
		receiverQueueSize: receiverQueueSize,
	}
}

// Enqueue implements spec §4.4's enqueuing policy: prefer an
// already-waiting async receiver, then a blocked zero-queue
// fetch_single, and only then fall back to buffering. With a
// zero-size receiver queue and nobody blocked in fetch_single, the
// message is dropped instead -- there is no buffer to hold it in.
func (q *DeliveryQueue) Enqueue(msg Message) EnqueueOutcome {
	q.stateMu.RLock()
	defer q.stateMu.RUnlock()

	if q.completeOnePending(asyncResult{msg: msg}) {
		return OutcomeCompletedWaiter
	}
	if q.waitingOnZeroQueue {
		// The queue itself is the hand-off: fetch_single's blocking pop
		// below will see this.
		q.queue.Push(msg)
		return OutcomeCompletedWaiter
	}
	if q.receiverQueueSize == 0 {
		return OutcomeDropped
	}
	q.queue.Push(msg)
	return OutcomeQueued
}

func (q *DeliveryQueue) completeOnePending(res asyncResult) bool {
	q.pendingMu.Lock()
	front := q.pending.Front()
	if front == nil {
		q.pendingMu.Unlock()
		return false
	}
	q.pending.Remove(front)
	q.pendingMu.Unlock()

	waiter := front.Value.(*pendingReceive)
	waiter.resultCh <- res
	return true
}

// ReceiveBlocking implements spec §4.4's receive_blocking: wait
// indefinitely (or until ctx is done) for the next message.
func (q *DeliveryQueue) ReceiveBlocking(ctx context.Context) (Message, error) {
	msg, ok := q.queue.PopBlocking(ctx.Done())
	if !ok {
		if err := ctx.Err(); err != nil {
			return Message{}, wrapError(ResultInterrupted, "receive interrupted", err)
		}
		return Message{}, newError(ResultAlreadyClosed, "delivery queue closed")
	}
	return msg, nil
}

// ReceiveWithTimeout implements spec §4.4's receive_with_timeout.
func (q *DeliveryQueue) ReceiveWithTimeout(d time.Duration) (Message, error) {
	msg, ok := q.queue.PopWithTimeout(d)
	if !ok {
		return Message{}, newError(ResultTimeout, "receive timed out")
	}
	return msg, nil
}

// ReceiveAsync implements spec §4.4's receive_async: if a message is
// already queued, complete immediately; otherwise register a waiter
// that Enqueue will complete later. The whole check-then-register
// sequence runs under the write lock so no concurrent Enqueue can slip
// a message into the queue in between (spec §5).
func (q *DeliveryQueue) ReceiveAsync() <-chan asyncResult {
	out := make(chan asyncResult, 1)

	q.stateMu.Lock()
	if msg, ok := q.queue.PopNonBlocking(); ok {
		q.stateMu.Unlock()
		out <- asyncResult{msg: msg}
		return out
	}
	waiter := &pendingReceive{resultCh: out}
	q.pendingMu.Lock()
	q.pending.PushBack(waiter)
	q.pendingMu.Unlock()
	q.stateMu.Unlock()

	return out
}

// FetchSingle implements spec §4.4's fetch_single for a zero-capacity
// receiver queue: it marks a rendezvous in progress so Enqueue knows to
// hand the very next message straight through, issues on-demand
// credit via the supplied callback, then blocks for it. The incoming
// queue is drained on every entry and exit (spec §4.4, §8) so a stale
// message that slipped in before a reconnect or seek is never handed
// out.
func (q *DeliveryQueue) FetchSingle(ctx context.Context, requestCredit func()) (Message, error) {
	q.stateMu.Lock()
	q.waitingOnZeroQueue = true
	q.queue.DrainAll()
	q.stateMu.Unlock()
	defer func() {
		q.stateMu.Lock()
		q.waitingOnZeroQueue = false
		q.queue.DrainAll()
		q.stateMu.Unlock()
	}()

	requestCredit()
	return q.ReceiveBlocking(ctx)
}

// CancelPending removes a waiter registered by ReceiveAsync, used when
// the caller's context is done before a message arrives. It is a no-op
// if the waiter was already completed.
func (q *DeliveryQueue) CancelPending(ch <-chan asyncResult) {
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	for e := q.pending.Front(); e != nil; e = e.Next() {
		if waiter := e.Value.(*pendingReceive); waiter.resultCh == ch {
			q.pending.Remove(e)
			return
		}
	}
}

// Len reports how many messages are currently buffered.
func (q *DeliveryQueue) Len() int {
	return q.queue.Len()
}

// DrainAndClose empties the queue and returns what it held. When
// failWaiters is true it also closes the queue (failing any blocked
// receivers) and fails every pending async waiter; when false, blocked
// receivers and pending waiters are left in place. Spec §4.6's close
// path (true) and the reconnect path's "clear queues" step (false)
// share this.
func (q *DeliveryQueue) DrainAndClose(failWaiters bool) []Message {
	drained := q.queue.DrainAll()
	if failWaiters {
		q.queue.Close()
		q.failAllPending()
	}
	return drained
}

func (q *DeliveryQueue) failAllPending() {
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	for e := q.pending.Front(); e != nil; e = e.Next() {
		waiter := e.Value.(*pendingReceive)
		waiter.resultCh <- asyncResult{err: newError(ResultAlreadyClosed, "consumer closed")}
	}
	q.pending.Init()
}
