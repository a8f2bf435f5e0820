package pulsar

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal/wireproto"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/log"
)

// fakeConnection is a minimal internal.Connection double: it accepts
// Subscribe/Unsubscribe/Close/Seek/GetLastMessageId requests with a
// canned RequestResult, records every WriteAndFlush command, and lets
// tests control the protocol version the redeliver gate checks.
type fakeConnection struct {
	id uint64

	mu         sync.Mutex
	written    []interface{}
	result     *internal.RequestResult
	sendErr    error
	protoVer   int32
	closed     bool
	registered internal.MessageHandler
	removed    bool
}

func newFakeConnection(id uint64) *fakeConnection {
	return &fakeConnection{id: id, result: &internal.RequestResult{Success: true}, protoVer: internal.ProtocolVersionRedeliverSupport}
}

func (c *fakeConnection) SendRequestWithID(requestID uint64, cmd interface{}) (*internal.RequestResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, cmd)
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	return c.result, nil
}

func (c *fakeConnection) WriteAndFlush(cmd interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, cmd)
	return c.sendErr
}

func (c *fakeConnection) RegisterConsumer(consumerID uint64, handler internal.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = handler
}

func (c *fakeConnection) RemoveConsumer(consumerID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = true
}

func (c *fakeConnection) RemoteEndpointProtocolVersion() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protoVer
}

func (c *fakeConnection) ID() uint64 { return c.id }

func (c *fakeConnection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConnection) writtenCommands() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}{}, c.written...)
}

// fakeClientContext is a minimal ClientContext double.
type fakeClientContext struct {
	consumerIDs uint64
	requestIDs  uint64

	mu           sync.Mutex
	conn         internal.Connection
	grabErr      error
	cleanedUp    []uint64
	grabAttempts int32
}

func (f *fakeClientContext) NewConsumerID() uint64 {
	return atomic.AddUint64(&f.consumerIDs, 1)
}

func (f *fakeClientContext) NewRequestID() uint64 {
	return atomic.AddUint64(&f.requestIDs, 1)
}

func (f *fakeClientContext) OperationTimeout() time.Duration { return time.Second }

func (f *fakeClientContext) CleanupConsumer(consumerID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanedUp = append(f.cleanedUp, consumerID)
}

func (f *fakeClientContext) GrabConnection() (internal.Connection, error) {
	atomic.AddInt32(&f.grabAttempts, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grabErr != nil {
		return nil, f.grabErr
	}
	return f.conn, nil
}

// asyncExecutor runs every submitted function on its own goroutine,
// standing in for a real thread pool without the test blocking on a
// synchronous Submit (startListenerLoop's step() blocks in Receive).
type asyncExecutor struct{}

func (asyncExecutor) Submit(f func()) { go f() }

func baseTestOptions() ConsumerOptions {
	return ConsumerOptions{
		Topic:             "persistent://public/default/test",
		SubscriptionName:  "sub",
		ReceiverQueueSize: 10,
	}
}

func TestNewConsumerCore_ValidatesOptions(t *testing.T) {
	client := &fakeClientContext{}
	_, err := NewConsumerCore(client, ConsumerOptions{}, 0, nil, nil, nil, log.NewNoopLogger())
	require.Error(t, err)
}

func TestConsumerCore_Start_ReachesReadyOnSuccessfulSubscribe(t *testing.T) {
	conn := newFakeConnection(1)
	client := &fakeClientContext{conn: conn}

	c, err := NewConsumerCore(client, baseTestOptions(), 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)

	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.AwaitSubscribe(ctx))
	require.Equal(t, StateReady, c.getState())
}

func TestConsumerCore_Start_TwiceFails(t *testing.T) {
	conn := newFakeConnection(1)
	client := &fakeClientContext{conn: conn}
	c, err := NewConsumerCore(client, baseTestOptions(), 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	require.Error(t, c.Start())
}

func TestConsumerCore_Acknowledge_NotReadyFails(t *testing.T) {
	client := &fakeClientContext{}
	c, err := NewConsumerCore(client, baseTestOptions(), 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)

	err = c.Acknowledge(NewBatchMessageID(1, 0, 0, noBatchIndex), wireproto.AckIndividual)
	require.Error(t, err)
}

func TestConsumerCore_Acknowledge_NonBatchedIndividual(t *testing.T) {
	conn := newFakeConnection(1)
	client := &fakeClientContext{conn: conn}
	c, err := NewConsumerCore(client, baseTestOptions(), 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.AwaitSubscribe(ctx))

	err = c.Acknowledge(NewBatchMessageID(1, 0, 0, noBatchIndex), wireproto.AckIndividual)
	require.NoError(t, err)

	found := false
	for _, cmd := range conn.writtenCommands() {
		if _, ok := cmd.(*wireproto.CommandAck); ok {
			found = true
		}
	}
	require.True(t, found, "expected a CommandAck to have been written")
}

func TestConsumerCore_Acknowledge_BatchedIndividual_OnlyAcksWhenEmpty(t *testing.T) {
	conn := newFakeConnection(1)
	client := &fakeClientContext{conn: conn}
	c, err := NewConsumerCore(client, baseTestOptions(), 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.AwaitSubscribe(ctx))

	key := NewMessageID(1, 0, 0)
	c.ackTracker.NewEntry(key, 2)

	err = c.Acknowledge(BatchMessageID{MessageID: key, BatchIndex: 0}, wireproto.AckIndividual)
	require.NoError(t, err)
	require.Empty(t, ackCommandsIn(conn.writtenCommands()))

	err = c.Acknowledge(BatchMessageID{MessageID: key, BatchIndex: 1}, wireproto.AckIndividual)
	require.NoError(t, err)
	require.Len(t, ackCommandsIn(conn.writtenCommands()), 1)

	// The completed entry held 2 messages, so AcksCounter must bump by 2,
	// not by 1.
	require.Equal(t, float64(2), testutil.ToFloat64(c.metrics.AcksCounter))
}

func ackCommandsIn(cmds []interface{}) []*wireproto.CommandAck {
	var out []*wireproto.CommandAck
	for _, cmd := range cmds {
		if ack, ok := cmd.(*wireproto.CommandAck); ok {
			out = append(out, ack)
		}
	}
	return out
}

func TestConsumerCore_RouteToDLQ_DoesNotAckSiblingBatchEntry(t *testing.T) {
	conn := newFakeConnection(1)
	client := &fakeClientContext{conn: conn}

	var dlqd []Message
	opts := baseTestOptions()
	opts.DLQ = &DLQPolicy{MaxRedeliveries: 1, Sink: func(m Message) { dlqd = append(dlqd, m) }}

	c, err := NewConsumerCore(client, opts, 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.AwaitSubscribe(ctx))

	key := NewMessageID(1, 0, 0)
	c.ackTracker.NewEntry(key, 2)

	overRedelivered := Message{
		ID:              key,
		BatchID:         BatchMessageID{MessageID: key, BatchIndex: 0},
		RedeliveryCount: 2,
	}
	outcome := c.deliver(overRedelivered)
	require.Equal(t, OutcomeCompletedWaiter, outcome)
	require.Len(t, dlqd, 1)

	// Only this message's bit should have cleared -- the sibling index 1
	// must still be outstanding, and no broker-visible ack for the whole
	// entry should have fired yet.
	require.True(t, c.ackTracker.Contains(key, 1))
	require.Empty(t, ackCommandsIn(conn.writtenCommands()))

	// Acking the sibling individually now empties the entry and the
	// broker-visible ack fires for the whole batch entry.
	err = c.Acknowledge(BatchMessageID{MessageID: key, BatchIndex: 1}, wireproto.AckIndividual)
	require.NoError(t, err)
	require.Len(t, ackCommandsIn(conn.writtenCommands()), 1)
}

func TestConsumerCore_RedeliverUnacknowledged_OldProtocolForcesReconnect(t *testing.T) {
	conn := newFakeConnection(1)
	conn.protoVer = internal.ProtocolVersionRedeliverSupport - 1
	client := &fakeClientContext{conn: conn}
	c, err := NewConsumerCore(client, baseTestOptions(), 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.AwaitSubscribe(ctx))

	c.RedeliverUnacknowledged()

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	require.True(t, closed, "an old-protocol remote should be disconnected to trigger reconnect")
}

func TestConsumerCore_RedeliverUnacknowledged_SupportedProtocolSendsCommand(t *testing.T) {
	conn := newFakeConnection(1)
	client := &fakeClientContext{conn: conn}
	c, err := NewConsumerCore(client, baseTestOptions(), 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.AwaitSubscribe(ctx))

	c.RedeliverUnacknowledged()

	var found bool
	for _, cmd := range conn.writtenCommands() {
		if _, ok := cmd.(*wireproto.CommandRedeliverUnacknowledgedMessages); ok {
			found = true
		}
	}
	require.True(t, found)
}

func TestConsumerCore_MaxReconnectToBroker_GivesUpAndFails(t *testing.T) {
	client := &fakeClientContext{grabErr: newError(ResultConnectionError, "dial failed")}
	opts := baseTestOptions()
	max := uint(2)
	opts.MaxReconnectToBroker = &max

	c, err := NewConsumerCore(client, opts, 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)
	c.setState(StateConnecting)

	// Drive scheduleReconnect synchronously past the limit: the first two
	// calls schedule a retry, the third observes the bound exceeded.
	c.scheduleReconnect()
	require.Equal(t, StateConnecting, c.getState())
	c.scheduleReconnect()
	require.Equal(t, StateConnecting, c.getState())
	c.scheduleReconnect()
	require.Equal(t, StateFailed, c.getState())
}

func TestConsumerCore_Close_FromReadyTransitionsToClosed(t *testing.T) {
	conn := newFakeConnection(1)
	client := &fakeClientContext{conn: conn}
	c, err := NewConsumerCore(client, baseTestOptions(), 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.AwaitSubscribe(ctx))

	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.getState())

	client.mu.Lock()
	cleaned := len(client.cleanedUp) == 1
	client.mu.Unlock()
	require.True(t, cleaned)
}

func TestConsumerCore_NackID_SchedulesRedeliveryRequest(t *testing.T) {
	conn := newFakeConnection(1)
	client := &fakeClientContext{conn: conn}
	opts := baseTestOptions()
	opts.NackRedeliveryDelay = 40 * time.Millisecond
	c, err := NewConsumerCore(client, opts, 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.AwaitSubscribe(ctx))

	c.NackID(NewBatchMessageID(1, 0, 0, noBatchIndex))

	require.Eventually(t, func() bool {
		for _, cmd := range conn.writtenCommands() {
			if _, ok := cmd.(*wireproto.CommandRedeliverUnacknowledgedMessages); ok {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestConsumerCore_ListenerLoop_DeliversMessages(t *testing.T) {
	conn := newFakeConnection(1)
	client := &fakeClientContext{conn: conn}

	var mu sync.Mutex
	var received []Message
	listener := func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m)
	}

	c, err := NewConsumerCore(client, baseTestOptions(), 0, listener, asyncExecutor{}, nil, log.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.deliver(Message{ID: NewBatchMessageID(1, 0, 0, noBatchIndex).MessageID})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.AwaitSubscribe(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
}

func startedTestConsumerCore(t *testing.T) (*ConsumerCore, *fakeConnection, *fakeClientContext) {
	t.Helper()
	conn := newFakeConnection(1)
	client := &fakeClientContext{conn: conn}
	c, err := NewConsumerCore(client, baseTestOptions(), 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.AwaitSubscribe(ctx))
	return c, conn, client
}

func TestConsumerCore_Seek_SendsCommandAndDrainsQueue(t *testing.T) {
	c, conn, _ := startedTestConsumerCore(t)

	err := c.Seek(NewMessageID(3, 4, 0))
	require.NoError(t, err)

	var found bool
	for _, cmd := range conn.writtenCommands() {
		if seek, ok := cmd.(*wireproto.CommandSeek); ok && seek.MessageId != nil {
			require.Equal(t, uint64(3), seek.MessageId.GetLedgerId())
			require.Equal(t, uint64(4), seek.MessageId.GetEntryId())
			found = true
		}
	}
	require.True(t, found, "expected a CommandSeek to have been sent")
}

func TestConsumerCore_Seek_NoConnectionFails(t *testing.T) {
	client := &fakeClientContext{grabErr: errors.New("no broker")}
	c, err := NewConsumerCore(client, baseTestOptions(), 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())

	err = c.Seek(NewMessageID(1, 1, 0))
	require.Error(t, err)
}

func TestConsumerCore_SeekByTime_SendsCommand(t *testing.T) {
	c, conn, _ := startedTestConsumerCore(t)

	at := time.Unix(1700000000, 0)
	require.NoError(t, c.SeekByTime(at))

	var found bool
	for _, cmd := range conn.writtenCommands() {
		if seek, ok := cmd.(*wireproto.CommandSeek); ok && seek.MessagePublishTime != nil {
			require.Equal(t, uint64(at.UnixNano()/int64(time.Millisecond)), *seek.MessagePublishTime)
			found = true
		}
	}
	require.True(t, found, "expected a CommandSeek with MessagePublishTime to have been sent")
}

func TestConsumerCore_GetLastMessageID_ReturnsBrokerResult(t *testing.T) {
	c, conn, _ := startedTestConsumerCore(t)

	conn.mu.Lock()
	conn.result = &internal.RequestResult{
		Success:       true,
		LastMessageId: &wireproto.MessageIdData{LedgerId: proto.Uint64(9), EntryId: proto.Uint64(2)},
	}
	conn.mu.Unlock()

	got, err := c.GetLastMessageID()
	require.NoError(t, err)
	require.Equal(t, int64(9), got.LedgerID)
	require.Equal(t, int64(2), got.EntryID)
}

func TestConsumerCore_GetLastMessageID_NoLastMessageIdFails(t *testing.T) {
	c, _, _ := startedTestConsumerCore(t)
	_, err := c.GetLastMessageID()
	require.Error(t, err)
}

func TestConsumerCore_Unsubscribe_SendsCommandAndTransitionsToClosed(t *testing.T) {
	c, conn, client := startedTestConsumerCore(t)

	require.NoError(t, c.Unsubscribe())
	require.Equal(t, StateClosed, c.getState())

	var found bool
	for _, cmd := range conn.writtenCommands() {
		if _, ok := cmd.(*wireproto.CommandUnsubscribe); ok {
			found = true
		}
	}
	require.True(t, found, "expected a CommandUnsubscribe to have been sent")

	client.mu.Lock()
	cleaned := len(client.cleanedUp) == 1
	client.mu.Unlock()
	require.True(t, cleaned)
}

func TestConsumerCore_Unsubscribe_NotReadyFails(t *testing.T) {
	client := &fakeClientContext{}
	c, err := NewConsumerCore(client, baseTestOptions(), 0, nil, nil, nil, log.NewNoopLogger())
	require.NoError(t, err)
	require.Error(t, c.Unsubscribe())
}
