package pulsar

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal/wireproto"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/log"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/metrics"
)

// consumerState is the State of spec §3/§4.6.
type consumerState int32

const (
	StateUninitialized consumerState = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s consumerState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateConnecting:
		return "Connecting"
	case StateReady:
		return "Ready"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ClientContext is the "Client context" external collaborator named in
// spec §6: the handful of process-wide facilities a consumer needs from
// its owning client without holding a full dependency on it.
type ClientContext interface {
	NewConsumerID() uint64
	NewRequestID() uint64
	OperationTimeout() time.Duration
	CleanupConsumer(consumerID uint64)
	// GrabConnection resolves (possibly by lookup/dial) the connection
	// this consumer should register on; called on grab_connection and on
	// every reconnect attempt.
	GrabConnection() (internal.Connection, error)
}

// ListenerExecutor is the external thread pool spec §6 names for
// listener dispatch: delivered messages are pulled through the same
// receive primitive the application would use, on this executor, never
// on the I/O thread (spec §9 "Listener pump").
type ListenerExecutor interface {
	Submit(func())
}

// MessageListener receives pushed messages when one is registered,
// instead of (or alongside) the application polling Receive.
type MessageListener func(Message)

// AsyncReceiveResult is the exported shape of a ReceiveAsync completion.
type AsyncReceiveResult struct {
	Message Message
	Err     error
}

type redeliverRequest struct {
	ids []MessageID
}

type unsubscribeRequest struct {
	doneCh chan struct{}
	err    error
}

type closeRequest struct {
	doneCh chan struct{}
}

type seekRequest struct {
	doneCh chan struct{}
	msgID  MessageID
	err    error
}

type seekByTimeRequest struct {
	doneCh      chan struct{}
	publishTime time.Time
	err         error
}

type getLastMsgIDRequest struct {
	doneCh chan struct{}
	result MessageID
	err    error
}

// ConsumerCore is the state machine of spec §4.6: it owns the
// FlowController, BatchAckTracker, UnackedMessageTracker, DeliveryQueue
// and ReceivePath for one partition (or un-partitioned topic) and
// coordinates them against a shared, swappable Connection. Grounded on
// the teacher's partitionConsumer, generalized to the full
// Uninitialized/Connecting/Ready/Closing/Closed/Failed machine named in
// spec §3/§4.6 (the teacher only distinguishes
// Init/Ready/Closing/Closed).
type ConsumerCore struct {
	client ClientContext

	consumerID     uint64
	partitionIndex int32
	topic          string
	subscription   string
	subType        wireproto.SubType
	consumerName   string
	options        ConsumerOptions

	state atomic.Int32

	connMu sync.RWMutex
	conn   internal.Connection

	ackTracker  *BatchAckTracker
	flow        *FlowController
	unacked     *internal.UnackedMessageTracker
	nackTracker *negativeAcksTracker
	queue       *DeliveryQueue
	receive     *ReceivePath

	backoff           internal.Backoff
	reconnectAttempts uint
	subscribeDeadline time.Time
	subscribeDone     chan error

	eventsCh        chan interface{}
	closeCh         chan struct{}
	connectClosedCh chan struct{}

	listener         MessageListener
	listenerExecutor ListenerExecutor
	dlq              *DLQPolicy

	log     log.Logger
	metrics *metrics.TopicMetrics
}

// NewConsumerCore builds a ConsumerCore in state Uninitialized. Call
// Start to drive it to Connecting/Ready.
func NewConsumerCore(client ClientContext, opts ConsumerOptions, partitionIndex int32, listener MessageListener, executor ListenerExecutor, reg prometheus.Registerer, logger log.Logger) (*ConsumerCore, error) {
	opts = opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	consumerID := client.NewConsumerID()
	m := metrics.NewTopicMetrics(reg, opts.Topic, opts.SubscriptionName, opts.ConsumerName)

	c := &ConsumerCore{
		client:           client,
		consumerID:       consumerID,
		partitionIndex:   partitionIndex,
		topic:            opts.Topic,
		subscription:     opts.SubscriptionName,
		subType:          toWireSubType(opts.SubscriptionType),
		consumerName:     opts.ConsumerName,
		options:          opts,
		ackTracker:       NewBatchAckTracker(),
		queue:            NewDeliveryQueue(opts.ReceiverQueueSize),
		eventsCh:         make(chan interface{}, 16),
		closeCh:          make(chan struct{}),
		connectClosedCh:  make(chan struct{}, 1),
		subscribeDone:    make(chan error, 1),
		listener:         listener,
		listenerExecutor: executor,
		dlq:              opts.DLQ,
		log:              logger.SubLogger(log.Fields{"topic": opts.Topic, "subscription": opts.SubscriptionName, "consumerId": consumerID}),
		metrics:          m,
	}
	c.state.Store(int32(StateUninitialized))

	c.flow = NewFlowController(consumerID, int32(opts.ReceiverQueueSize), c.currentFlowSender, m, c.log)
	c.unacked = internal.NewUnackedMessageTracker(opts.AckTimeout, ackTimeoutTick(opts.AckTimeout), c.onAckTimeout, c.log)
	c.nackTracker = newNegativeAcksTracker(opts.NackRedeliveryDelay, c.onNegativeAckDue, c.log)
	c.receive = NewReceivePath(consumerID, partitionIndex, opts.ReceiverQueueSize == 0, c.ackTracker, c.flow, c.unacked, m, c.log, c.deliver)
	c.receive.SendValidationAck = c.sendValidationAck
	c.receive.OnUnsupportedZeroQueueBatch = c.onUnsupportedZeroQueueBatch
	c.receive.keyReader = opts.KeyReader
	c.receive.messageCrypto = opts.MessageCrypto
	c.receive.cryptoFailureAction = opts.CryptoFailureAction

	if opts.OperationTimeout > 0 {
		c.subscribeDeadline = time.Now().Add(opts.OperationTimeout)
	}

	return c, nil
}

func ackTimeoutTick(ackTimeout time.Duration) time.Duration {
	tick := ackTimeout / 3
	if tick <= 0 {
		tick = time.Second
	}
	return tick
}

func toWireSubType(t SubscriptionType) wireproto.SubType {
	switch t {
	case Shared:
		return wireproto.SubTypeShared
	case Failover:
		return wireproto.SubTypeFailover
	default:
		return wireproto.SubTypeExclusive
	}
}

func (c *ConsumerCore) getState() consumerState { return consumerState(c.state.Load()) }
func (c *ConsumerCore) setState(s consumerState) { c.state.Store(int32(s)) }

// casState performs the single linearization point spec §5's last
// bullet calls for: "state transitions are driven by CAS on the state
// cell".
func (c *ConsumerCore) casState(from, to consumerState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *ConsumerCore) currentConnection() internal.Connection {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *ConsumerCore) currentFlowSender() FlowSender {
	conn := c.currentConnection()
	if conn == nil {
		return nil
	}
	return conn
}

// Start drives Uninitialized -> Connecting (spec §4.6's grab_connection
// event) and launches the events loop.
func (c *ConsumerCore) Start() error {
	if !c.casState(StateUninitialized, StateConnecting) {
		return newError(ResultNotReady, "consumer already started")
	}
	go c.runEventsLoop()
	go c.grabConnection()
	if c.listener != nil && c.listenerExecutor != nil {
		c.startListenerLoop()
	}
	return nil
}

func (c *ConsumerCore) grabConnection() {
	conn, err := c.client.GrabConnection()
	if err != nil {
		c.log.WithError(err).Warn("failed to obtain a connection")
		c.scheduleReconnect()
		return
	}
	if err := c.connectionOpened(conn); err != nil {
		c.log.WithError(err).Warn("subscribe failed")
		c.scheduleReconnect()
	}
}

// connectionOpened implements spec §4.6's on_connection_opened sequence.
func (c *ConsumerCore) connectionOpened(conn internal.Connection) error {
	conn.RegisterConsumer(c.consumerID, c)

	requestID := c.client.NewRequestID()
	cmd := &wireproto.CommandSubscribe{
		Topic:        &c.topic,
		Subscription: &c.subscription,
		SubType:      c.subType.Enum(),
		ConsumerId:   &c.consumerID,
		RequestId:    &requestID,
		ConsumerName: &c.consumerName,
	}

	result, err := conn.SendRequestWithID(requestID, cmd)
	if err != nil || result == nil || !result.Success {
		conn.RemoveConsumer(c.consumerID)
		if err == nil {
			err = newError(ResultConnectionError, "subscribe rejected: "+errOrUnknown(result))
		}
		return c.handleSubscribeFailure(err)
	}

	// Step 3: under the consumer's own mutex, clear queues, attempt the
	// state transition; if it fails the consumer was closed mid-await.
	c.connMu.Lock()
	c.conn = conn
	c.queue.DrainAndClose(false)
	c.ackTracker.Clear()
	c.unacked.Clear()
	ready := c.casState(StateConnecting, StateReady)
	c.connMu.Unlock()

	if !ready {
		c.setState(StateClosed)
		conn.RemoveConsumer(c.consumerID)
		conn.Close()
		c.client.CleanupConsumer(c.consumerID)
		return nil
	}

	c.backoff.Reset()
	c.reconnectAttempts = 0
	c.flow.OnReconnect()

	select {
	case c.subscribeDone <- nil:
	default:
	}

	c.log.Info("consumer is ready")
	return nil
}

func errOrUnknown(r *internal.RequestResult) string {
	if r == nil {
		return "no response"
	}
	return r.ErrorMessage
}

func (c *ConsumerCore) handleSubscribeFailure(err error) error {
	if c.subscribeDeadline.IsZero() || time.Now().Before(c.subscribeDeadline) {
		return err
	}
	c.setState(StateFailed)
	select {
	case c.subscribeDone <- wrapError(ResultTimeout, "subscribe deadline exceeded", err):
	default:
	}
	c.client.CleanupConsumer(c.consumerID)
	return err
}

func (c *ConsumerCore) scheduleReconnect() {
	if c.getState() != StateConnecting {
		return
	}
	if max := c.options.MaxReconnectToBroker; max != nil && c.reconnectAttempts >= *max {
		c.log.Warnf("giving up after %d reconnect attempts", c.reconnectAttempts)
		c.setState(StateFailed)
		select {
		case c.subscribeDone <- newError(ResultConnectionError, "max reconnect attempts exceeded"):
		default:
		}
		c.client.CleanupConsumer(c.consumerID)
		return
	}
	c.reconnectAttempts++
	d := c.backoff.Next()
	c.log.Infof("reconnecting in %s", d)
	timer := time.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-c.closeCh:
			return
		case <-timer.C:
			if c.getState() == StateConnecting {
				c.grabConnection()
			}
		}
	}()
}

// AwaitSubscribe blocks until the initial subscribe completes (success
// or terminal failure) or ctx is done.
func (c *ConsumerCore) AwaitSubscribe(ctx context.Context) error {
	select {
	case err := <-c.subscribeDone:
		return err
	case <-ctx.Done():
		return wrapError(ResultTimeout, "waiting for subscribe", ctx.Err())
	}
}

// ConnectionClosed implements internal.MessageHandler: spec §4.6's Ready
// -> Connecting transition on connection_lost.
func (c *ConsumerCore) ConnectionClosed() {
	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()

	if c.casState(StateReady, StateConnecting) {
		select {
		case c.connectClosedCh <- struct{}{}:
		default:
		}
	}
}

// MessageReceived implements internal.MessageHandler, delegating to the
// receive path.
func (c *ConsumerCore) MessageReceived(msgID wireproto.MessageIdData, redeliveryCount uint32, headersAndPayload internal.Buffer) error {
	conn := c.currentConnection()
	var connID uint64
	if conn != nil {
		connID = conn.ID()
	}
	return c.receive.HandleFrame(msgID, redeliveryCount, connID, headersAndPayload)
}

// deliver is the Deliver callback wired into ReceivePath: it applies the
// DLQ policy, then the normal enqueue path, driving flow-controller
// accounting for the cases spec §4.4 assigns to Enqueue's caller.
func (c *ConsumerCore) deliver(msg Message) EnqueueOutcome {
	if c.dlq != nil && c.dlq.MaxRedeliveries > 0 && msg.RedeliveryCount > c.dlq.MaxRedeliveries {
		c.routeToDLQ(msg)
		return OutcomeCompletedWaiter
	}

	outcome := c.queue.Enqueue(msg)
	if outcome == OutcomeCompletedWaiter && c.options.ReceiverQueueSize != 0 {
		// Nonzero queue size: the completion bypassed the incoming
		// queue, so the processed-event that would normally fire when
		// the application drains the queue must fire here instead.
		c.flow.OnMessageProcessed()
	}
	if c.metrics != nil {
		c.metrics.PrefetchedMessages.Set(float64(c.queue.Len()))
	}
	return outcome
}

func (c *ConsumerCore) routeToDLQ(msg Message) {
	c.log.WithField("messageId", msg.ID.String()).Warn("routing message to dead-letter sink")
	if c.metrics != nil {
		c.metrics.DlqCounter.Inc()
	}
	if c.dlq.Sink != nil {
		c.dlq.Sink(msg)
	}
	// Routed through the normal ack path (not ackInternal directly) so a
	// batched entry's per-index bit is cleared correctly instead of
	// acking the whole shared entry out from under its batch siblings.
	if err := c.Acknowledge(msg.BatchID, wireproto.AckIndividual); err != nil {
		c.log.WithError(err).Warn("failed to ack message routed to dead-letter sink")
	}
}

func (c *ConsumerCore) sendValidationAck(key MessageID, verr wireproto.ValidationError) {
	conn := c.currentConnection()
	if conn == nil {
		return
	}
	ledger := uint64(key.LedgerID)
	entry := uint64(key.EntryID)
	cmd := &wireproto.CommandAck{
		ConsumerId:      &c.consumerID,
		MessageId:       []*wireproto.MessageIdData{{LedgerId: &ledger, EntryId: &entry}},
		AckType:         wireproto.AckIndividual.Enum(),
		ValidationError: verr.Enum(),
	}
	if err := conn.WriteAndFlush(cmd); err != nil {
		c.log.WithError(err).Warn("failed to send validation ack")
	}
}

func (c *ConsumerCore) onUnsupportedZeroQueueBatch() {
	c.log.Error("batch delivered on a zero-capacity receiver queue, closing consumer")
	invalid := asyncResult{err: newError(ResultInvalidMessage, "batch received with zero receiver queue")}
	for c.queue.completeOnePending(invalid) {
	}
	c.queue.DrainAndClose(true)
	go c.Close()
}

// Receive implements spec §4.4's receive_blocking (delegating to
// fetch_single when the receiver queue is a zero-capacity rendezvous).
func (c *ConsumerCore) Receive(ctx context.Context) (Message, error) {
	if c.getState() == StateClosed || c.getState() == StateFailed {
		return Message{}, newError(ResultAlreadyClosed, "consumer is closed")
	}
	var msg Message
	var err error
	if c.options.ReceiverQueueSize == 0 {
		msg, err = c.queue.FetchSingle(ctx, c.requestOneCredit)
		if err == nil {
			msg, err = c.filterStaleConnection(ctx, msg)
		}
	} else {
		msg, err = c.queue.ReceiveBlocking(ctx)
	}
	if err != nil {
		return Message{}, err
	}
	c.onMessageConsumed(msg)
	return msg, nil
}

// filterStaleConnection implements fetch_single's loop described in
// spec §4.4: discard anything whose originating connection differs from
// the current one, and keep trying until a matching message or ctx done.
func (c *ConsumerCore) filterStaleConnection(ctx context.Context, msg Message) (Message, error) {
	for {
		current := c.currentConnection()
		if current != nil && msg.receivedConnID == current.ID() {
			return msg, nil
		}
		c.log.Debug("discarding message from a stale connection")
		next, err := c.queue.FetchSingle(ctx, c.requestOneCredit)
		if err != nil {
			return Message{}, err
		}
		msg = next
	}
}

func (c *ConsumerCore) requestOneCredit() {
	c.flow.OnZeroQueueDemand()
}

// ReceiveWithTimeout implements spec §4.4's receive_with_timeout.
func (c *ConsumerCore) ReceiveWithTimeout(d time.Duration) (Message, error) {
	msg, err := c.queue.ReceiveWithTimeout(d)
	if err != nil {
		return Message{}, err
	}
	c.onMessageConsumed(msg)
	return msg, nil
}

// ReceiveAsync implements spec §4.4's receive_async.
func (c *ConsumerCore) ReceiveAsync(ctx context.Context) <-chan AsyncReceiveResult {
	out := make(chan AsyncReceiveResult, 1)
	inner := c.queue.ReceiveAsync()
	go func() {
		select {
		case res := <-inner:
			if res.err == nil {
				c.onMessageConsumed(res.msg)
			}
			out <- AsyncReceiveResult{Message: res.msg, Err: res.err}
		case <-ctx.Done():
			c.queue.CancelPending(inner)
			out <- AsyncReceiveResult{Err: wrapError(ResultInterrupted, "receive cancelled", ctx.Err())}
		}
	}()
	return out
}

func (c *ConsumerCore) onMessageConsumed(msg Message) {
	c.flow.OnMessageProcessed()
	c.unacked.Add(asOrderedID(msg.ID))
	if c.metrics != nil {
		c.metrics.PrefetchedMessages.Set(float64(c.queue.Len()))
	}
}

// startListenerLoop implements spec §9's "Listener pump": a standing
// loop, run on the listener executor, that pulls through the very same
// Receive primitive an application would call directly -- so unacked
// tracking and flow-credit accounting never diverge between the
// listener and polling styles of consumption. One iteration resubmits
// the next before returning, so the loop survives for the consumer's
// whole lifetime without recursing on the executor's own goroutine.
func (c *ConsumerCore) startListenerLoop() {
	var step func()
	step = func() {
		msg, err := c.Receive(context.Background())
		if err != nil {
			return
		}
		c.listener(msg)
		c.listenerExecutor.Submit(step)
	}
	c.listenerExecutor.Submit(step)
}

// Acknowledge implements spec §4.5.
func (c *ConsumerCore) Acknowledge(msgID BatchMessageID, ackType wireproto.AckType) error {
	state := c.getState()
	if state != StateReady && state != StateConnecting {
		c.bumpAckFailure()
		return newError(ResultNotReady, "consumer not ready")
	}

	batchSize := 0
	if msgID.IsBatched() {
		var ackable bool
		var found bool
		if ackType == wireproto.AckCumulative {
			result := c.ackTracker.AckCumulative(msgID.NonBatchKey(), msgID.BatchIndex)
			if !result.Found {
				return nil
			}
			if result.LowerKeyAck != nil {
				if err := c.emitAck(*result.LowerKeyAck, wireproto.AckCumulative, 0); err != nil {
					c.bumpAckFailure()
					return err
				}
				count := c.unacked.RemoveMessagesTill(asOrderedID(*result.LowerKeyAck))
				if c.metrics != nil {
					c.metrics.AcksCounter.Add(float64(count))
				}
			}
			if !result.ThisEntryAckable {
				return nil
			}
			ackable, found = true, true
			batchSize = result.ThisEntryBatchSize
		} else {
			ackable, found, batchSize = c.ackTracker.AckIndividual(msgID.NonBatchKey(), msgID.BatchIndex)
		}
		if !found {
			return nil
		}
		if !ackable {
			// Deferred until the rest of the batch completes; success
			// is reported immediately per spec §4.5 step 2.
			return nil
		}
	} else if ackType == wireproto.AckCumulative {
		c.ackTracker.AckCumulativeNonBatch(msgID.NonBatchKey())
	}

	return c.ackInternal(msgID, ackType, batchSize)
}

func (c *ConsumerCore) ackInternal(msgID BatchMessageID, ackType wireproto.AckType, batchSize int) error {
	return c.emitAck(msgID.NonBatchKey(), ackType, batchSize)
}

func (c *ConsumerCore) emitAck(key MessageID, ackType wireproto.AckType, batchSize int) error {
	conn := c.currentConnection()
	if conn == nil {
		c.bumpAckFailure()
		return newError(ResultNotConnected, "no connection")
	}

	ledger := uint64(key.LedgerID)
	entry := uint64(key.EntryID)
	cmd := &wireproto.CommandAck{
		ConsumerId: &c.consumerID,
		MessageId:  []*wireproto.MessageIdData{{LedgerId: &ledger, EntryId: &entry}},
		AckType:    ackType.Enum(),
	}

	if err := conn.WriteAndFlush(cmd); err != nil {
		c.bumpAckFailure()
		return wrapError(ResultConnectionError, "ack flush failed", err)
	}

	if ackType == wireproto.AckCumulative {
		count := c.unacked.RemoveMessagesTill(asOrderedID(key))
		if c.metrics != nil {
			c.metrics.AcksCounter.Add(float64(count))
		}
	} else {
		c.unacked.Remove(asOrderedID(key))
		if c.metrics != nil {
			if batchSize > 0 {
				c.metrics.AcksCounter.Add(float64(batchSize))
			} else {
				c.metrics.AcksCounter.Inc()
			}
		}
	}
	return nil
}

func (c *ConsumerCore) bumpAckFailure() {
	if c.metrics != nil {
		c.metrics.AckFailureCounter.Inc()
	}
}

// NackID implements the SPEC_FULL-supplemented feature #4: schedule
// redelivery of a specific id after the configured delay, independent
// of the ack-timeout tracker.
func (c *ConsumerCore) NackID(msgID BatchMessageID) {
	c.nackTracker.Add(msgID.NonBatchKey())
	if c.metrics != nil {
		c.metrics.NacksCounter.Inc()
	}
}

func (c *ConsumerCore) onNegativeAckDue(ids []MessageID) {
	c.eventsCh <- &redeliverRequest{ids: ids}
}

func (c *ConsumerCore) onAckTimeout(ids []internal.OrderedID) {
	plain := make([]MessageID, 0, len(ids))
	for _, id := range ids {
		plain = append(plain, id.(orderedMessageID).id)
	}
	c.eventsCh <- &redeliverRequest{ids: plain}
}

// RedeliverUnacknowledged implements spec §4.7.
func (c *ConsumerCore) RedeliverUnacknowledged() {
	conn := c.currentConnection()
	state := c.getState()
	if conn == nil || state == StateConnecting {
		c.log.Debug("redeliver requested while disconnected or connecting, ignoring")
		return
	}
	if conn.RemoteEndpointProtocolVersion() < internal.ProtocolVersionRedeliverSupport {
		c.log.Debug("remote does not support redeliver, forcing reconnect instead")
		conn.Close()
		return
	}
	c.unacked.Clear()
	cmd := &wireproto.CommandRedeliverUnacknowledgedMessages{ConsumerId: &c.consumerID}
	if err := conn.WriteAndFlush(cmd); err != nil {
		c.log.WithError(err).Warn("failed to send redeliver command")
	}
}

func (c *ConsumerCore) internalRedeliverSpecific(ids []MessageID) {
	conn := c.currentConnection()
	if conn == nil {
		return
	}
	msgIDs := make([]*wireproto.MessageIdData, len(ids))
	for i, id := range ids {
		ledger := uint64(id.LedgerID)
		entry := uint64(id.EntryID)
		msgIDs[i] = &wireproto.MessageIdData{LedgerId: &ledger, EntryId: &entry}
	}
	cmd := &wireproto.CommandRedeliverUnacknowledgedMessages{ConsumerId: &c.consumerID, MessageIds: msgIDs}
	if err := conn.WriteAndFlush(cmd); err != nil {
		c.log.WithError(err).Warn("failed to send redeliver command for nacked/timed-out messages")
	}
}

// Seek implements the SPEC_FULL-supplemented feature #1.
func (c *ConsumerCore) Seek(msgID MessageID) error {
	req := &seekRequest{doneCh: make(chan struct{}), msgID: msgID}
	c.eventsCh <- req
	<-req.doneCh
	return req.err
}

func (c *ConsumerCore) internalSeek(req *seekRequest) {
	defer close(req.doneCh)
	conn := c.currentConnection()
	if conn == nil {
		req.err = newError(ResultNotConnected, "no connection")
		return
	}
	requestID := c.client.NewRequestID()
	ledger := uint64(req.msgID.LedgerID)
	entry := uint64(req.msgID.EntryID)
	cmd := &wireproto.CommandSeek{
		ConsumerId: &c.consumerID,
		RequestId:  &requestID,
		MessageId:  &wireproto.MessageIdData{LedgerId: &ledger, EntryId: &entry},
	}
	if _, err := conn.SendRequestWithID(requestID, cmd); err != nil {
		req.err = wrapError(ResultConnectionError, "seek failed", err)
		return
	}
	c.queue.DrainAndClose(false)
}

// SeekByTime implements the SPEC_FULL-supplemented feature #1.
func (c *ConsumerCore) SeekByTime(at time.Time) error {
	req := &seekByTimeRequest{doneCh: make(chan struct{}), publishTime: at}
	c.eventsCh <- req
	<-req.doneCh
	return req.err
}

func (c *ConsumerCore) internalSeekByTime(req *seekByTimeRequest) {
	defer close(req.doneCh)
	conn := c.currentConnection()
	if conn == nil {
		req.err = newError(ResultNotConnected, "no connection")
		return
	}
	requestID := c.client.NewRequestID()
	publishTimeMs := uint64(req.publishTime.UnixNano() / int64(time.Millisecond))
	cmd := &wireproto.CommandSeek{
		ConsumerId:         &c.consumerID,
		RequestId:          &requestID,
		MessagePublishTime: &publishTimeMs,
	}
	if _, err := conn.SendRequestWithID(requestID, cmd); err != nil {
		req.err = wrapError(ResultConnectionError, "seek by time failed", err)
		return
	}
	c.queue.DrainAndClose(false)
}

// GetLastMessageID implements the SPEC_FULL-supplemented feature #2.
func (c *ConsumerCore) GetLastMessageID() (MessageID, error) {
	req := &getLastMsgIDRequest{doneCh: make(chan struct{})}
	c.eventsCh <- req
	<-req.doneCh
	return req.result, req.err
}

func (c *ConsumerCore) internalGetLastMessageID(req *getLastMsgIDRequest) {
	defer close(req.doneCh)
	conn := c.currentConnection()
	if conn == nil {
		req.err = newError(ResultNotConnected, "no connection")
		return
	}
	requestID := c.client.NewRequestID()
	cmd := &wireproto.CommandGetLastMessageId{ConsumerId: &c.consumerID, RequestId: &requestID}
	result, err := conn.SendRequestWithID(requestID, cmd)
	if err != nil {
		req.err = wrapError(ResultConnectionError, "get last message id failed", err)
		return
	}
	if result.LastMessageId == nil {
		req.err = newError(ResultConnectionError, "broker returned no last message id")
		return
	}
	req.result = MessageID{
		LedgerID:    int64(result.LastMessageId.GetLedgerId()),
		EntryID:     int64(result.LastMessageId.GetEntryId()),
		PartitionID: c.partitionIndex,
	}
}

// Unsubscribe tears down the durable subscription.
func (c *ConsumerCore) Unsubscribe() error {
	if c.getState() != StateReady {
		return newError(ResultNotReady, "consumer not ready")
	}
	req := &unsubscribeRequest{doneCh: make(chan struct{})}
	c.eventsCh <- req
	<-req.doneCh
	return req.err
}

func (c *ConsumerCore) internalUnsubscribe(req *unsubscribeRequest) {
	defer close(req.doneCh)
	if !c.casState(StateReady, StateClosing) {
		req.err = newError(ResultNotReady, "consumer not ready")
		return
	}
	conn := c.currentConnection()
	if conn == nil {
		c.setState(StateClosed)
		return
	}
	requestID := c.client.NewRequestID()
	cmd := &wireproto.CommandUnsubscribe{ConsumerId: &c.consumerID, RequestId: &requestID}
	if _, err := conn.SendRequestWithID(requestID, cmd); err != nil {
		req.err = wrapError(ResultConnectionError, "unsubscribe failed", err)
	}
	c.finishClosing(conn)
}

// Close implements spec §4.6's Ready -> Closing -> Closed path (also
// taken from Connecting). In any other state (Uninitialized, Closing,
// Closed, Failed) it only closes the unacked and negative-ack trackers
// and returns without changing state, per the state table's wildcard row.
func (c *ConsumerCore) Close() error {
	state := c.getState()
	if state != StateReady && state != StateConnecting {
		c.unacked.Close()
		c.nackTracker.Close()
		return nil
	}

	req := &closeRequest{doneCh: make(chan struct{})}
	c.eventsCh <- req
	<-req.doneCh
	return nil
}

func (c *ConsumerCore) internalClose(req *closeRequest) {
	defer close(req.doneCh)
	c.setState(StateClosing)

	conn := c.currentConnection()
	if conn != nil {
		requestID := c.client.NewRequestID()
		cmd := &wireproto.CommandCloseConsumer{ConsumerId: &c.consumerID, RequestId: &requestID}
		if _, err := conn.SendRequestWithID(requestID, cmd); err != nil {
			c.log.WithError(err).Warn("failed to close consumer cleanly")
		}
	}
	c.finishClosing(conn)
}

func (c *ConsumerCore) finishClosing(conn internal.Connection) {
	c.setState(StateClosed)
	if conn != nil {
		conn.RemoveConsumer(c.consumerID)
	}
	c.queue.DrainAndClose(true)
	c.ackTracker.Clear()
	c.unacked.Close()
	c.nackTracker.Close()
	c.client.CleanupConsumer(c.consumerID)
	close(c.closeCh)
}

// runEventsLoop serializes every request that mutates shared consumer
// state, mirroring the teacher's runEventsLoop/eventsCh convention.
func (c *ConsumerCore) runEventsLoop() {
	go func() {
		for {
			select {
			case <-c.closeCh:
				return
			case <-c.connectClosedCh:
				c.scheduleReconnect()
			}
		}
	}()

	for v := range c.eventsCh {
		switch req := v.(type) {
		case *seekRequest:
			c.internalSeek(req)
		case *seekByTimeRequest:
			c.internalSeekByTime(req)
		case *getLastMsgIDRequest:
			c.internalGetLastMessageID(req)
		case *unsubscribeRequest:
			c.internalUnsubscribe(req)
		case *redeliverRequest:
			c.internalRedeliverSpecific(req.ids)
		case *closeRequest:
			c.internalClose(req)
			return
		}
	}
}

// Stats exposes the counters backing the Stats external collaborator
// (spec §2.8/§6).
func (c *ConsumerCore) Stats() *metrics.TopicMetrics {
	return c.metrics
}
