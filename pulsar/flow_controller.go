package pulsar

import (
	"go.uber.org/atomic"

	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal/wireproto"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/log"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/metrics"
)

// FlowSender is the narrow slice of the Connection collaborator the
// flow controller needs: fire-and-forget Flow commands.
type FlowSender interface {
	WriteAndFlush(cmd interface{}) error
}

// FlowController is the PermitAccountant of spec §4.1: it tracks
// available credits and issues Flow commands when a threshold is
// crossed. The teacher's dispatcher() accounts permits inline on a
// single goroutine; spec §5 requires this to tolerate concurrent
// processors, so the counter here is a real CAS loop rather than the
// teacher's plain increment.
type FlowController struct {
	consumerID        uint64
	receiverQueueSize int32
	refillThreshold   int32
	available         atomic.Int32
	conn              func() FlowSender // resolves the current shared connection
	metrics           *metrics.TopicMetrics
	log               log.Logger
}

// NewFlowController builds a controller for a consumer with the given
// receiver queue size. connFn must return nil when there is currently no
// connection (Flow commands are silently dropped, same as "not
// connected" elsewhere in the design).
func NewFlowController(consumerID uint64, receiverQueueSize int32, connFn func() FlowSender, m *metrics.TopicMetrics, logger log.Logger) *FlowController {
	threshold := receiverQueueSize / 2
	if receiverQueueSize > 0 && threshold < 1 {
		threshold = 1
	}
	return &FlowController{
		consumerID:        consumerID,
		receiverQueueSize: receiverQueueSize,
		refillThreshold:   threshold,
		conn:              connFn,
		metrics:           m,
		log:               logger,
	}
}

// OnMessageProcessed implements spec §4.1's on_message_processed: bump
// the available counter and, once it reaches the refill threshold,
// swap-and-emit in a single CAS so two concurrent processors can't
// double-count credits. With a zero-capacity receiver queue it does
// nothing: credit there comes only from OnZeroQueueDemand.
func (f *FlowController) OnMessageProcessed() {
	if f.receiverQueueSize == 0 {
		return
	}
	f.incrementAndMaybeFlow()
}

// OnCorruptedMessageDiscarded implements spec §4.1's
// on_corrupted_message_discarded: identical accounting to processed,
// since the broker already spent that credit.
func (f *FlowController) OnCorruptedMessageDiscarded() {
	f.incrementAndMaybeFlow()
}

func (f *FlowController) incrementAndMaybeFlow() {
	for {
		cur := f.available.Load()
		next := cur + 1
		if next < f.refillThreshold {
			if f.available.CompareAndSwap(cur, next) {
				return
			}
			// lost the race -- re-read and retry (spec §9: "re-read the
			// counter when CAS fails to avoid losing a refill").
			continue
		}
		if f.available.CompareAndSwap(cur, 0) {
			f.emitFlow(uint32(next))
			return
		}
		// another goroutine raced us past the threshold first; retry
		// from the freshly observed value.
	}
}

// OnReconnect implements spec §4.1's on_reconnect: reset to zero and,
// unless the queue is a zero-capacity rendezvous, grant the full
// receiver queue size up front.
func (f *FlowController) OnReconnect() {
	f.available.Store(0)
	if f.receiverQueueSize == 0 {
		return
	}
	f.emitFlow(uint32(f.receiverQueueSize))
}

// OnZeroQueueDemand implements spec §4.1's final bullet: when the
// receiver queue size is 0, a receive call pulls a single credit on
// demand instead of relying on the processed-message counter.
func (f *FlowController) OnZeroQueueDemand() {
	if f.receiverQueueSize != 0 {
		return
	}
	f.emitFlow(1)
}

func (f *FlowController) emitFlow(permits uint32) {
	if permits == 0 {
		return
	}
	sender := f.conn()
	if sender == nil {
		f.log.Debug("flow controller: no connection, dropping flow grant")
		return
	}
	cmd := &wireproto.CommandFlow{
		ConsumerId:     &f.consumerID,
		MessagePermits: &permits,
	}
	if err := sender.WriteAndFlush(cmd); err != nil {
		f.log.WithError(err).Warn("flow controller: failed to send Flow command")
		return
	}
	if f.metrics != nil {
		f.metrics.FlowCounter.Inc()
	}
}
