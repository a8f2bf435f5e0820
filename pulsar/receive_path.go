package pulsar

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal/compression"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal/crypto"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal/wireproto"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/log"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/metrics"
)

// DefaultMaxUncompressedMessageSize is the protocol constant named in
// spec §6: an uncompressedSize larger than this is corruption, not a
// legitimately oversized message.
const DefaultMaxUncompressedMessageSize = 5 * 1024 * 1024

// ReceivePath implements spec §4.3: turn a raw frame into zero or more
// delivered Message values, validating and decompressing along the
// way. Grounded on the teacher's MessageReceived/Decompress/
// initializeCompressionProvider/discardCorruptedMessage sequence.
type ReceivePath struct {
	consumerID  uint64
	partitionID int32
	zeroQueue   bool
	maxSize     int
	log         log.Logger
	metrics     *metrics.TopicMetrics

	ackTracker *BatchAckTracker
	flow       *FlowController
	unacked    *internal.UnackedMessageTracker

	keyReader           crypto.KeyReader
	messageCrypto       crypto.MessageCrypto
	cryptoFailureAction crypto.ConsumerCryptoFailureAction

	reader *internal.MessageReader

	// Deliver hands a fully decoded message to the delivery queue (or
	// DLQ, per the caller's discretion) and returns whatever Enqueue
	// reported. HandleFrame does not act on that outcome: the message is
	// added to the unacked tracker before Deliver is called, whatever
	// Deliver then does with it.
	Deliver func(Message) EnqueueOutcome

	// SendValidationAck emits Ack(consumerId, ledger, entry, Individual,
	// validationError) for a discarded frame (spec §4.3: "sends an
	// Ack(Individual, validationError) for that entry").
	SendValidationAck func(key MessageID, verr wireproto.ValidationError)

	// OnUnsupportedZeroQueueBatch fires when a batch arrives on a
	// zero-capacity receiver queue (spec §4.3 step 5's final bullet):
	// the core must initiate close and fail pending async receives with
	// InvalidMessage.
	OnUnsupportedZeroQueueBatch func()
}

// NewReceivePath builds a receive path bound to one partition consumer's
// collaborators.
func NewReceivePath(consumerID uint64, partitionID int32, zeroQueue bool, ackTracker *BatchAckTracker, flow *FlowController, unacked *internal.UnackedMessageTracker, m *metrics.TopicMetrics, logger log.Logger, deliver func(Message) EnqueueOutcome) *ReceivePath {
	return &ReceivePath{
		consumerID:  consumerID,
		partitionID: partitionID,
		zeroQueue:   zeroQueue,
		maxSize:     DefaultMaxUncompressedMessageSize,
		log:         logger,
		metrics:     m,
		ackTracker:  ackTracker,
		flow:        flow,
		unacked:     unacked,
		reader:      internal.NewMessageReader(internal.NewBufferWrapper(nil)),
		Deliver:     deliver,
	}
}

// HandleFrame implements the full spec §4.3 pipeline for one pushed
// frame: parse metadata, validate size, decompress, verify checksum,
// then dispatch to the single- or batch-message path.
func (r *ReceivePath) HandleFrame(msgID wireproto.MessageIdData, redeliveryCount uint32, connID uint64, headersAndPayload internal.Buffer) error {
	r.reader.ResetBuffer(headersAndPayload)
	key := MessageID{LedgerID: int64(msgID.GetLedgerId()), EntryID: int64(msgID.GetEntryId()), PartitionID: r.partitionID}

	meta, err := r.reader.ReadMessageMetadata()
	if err != nil {
		r.discardCorrupted(key, "failed to parse message metadata", wireproto.ValidationErrorChecksumMismatch, err)
		return newError(ResultInvalidMessage, "failed to parse message metadata")
	}

	if int(meta.GetUncompressedSize()) > r.maxSize {
		r.discardCorrupted(key, "uncompressed size exceeds protocol maximum", wireproto.ValidationErrorUncompressedSizeCorruption, nil)
		return newError(ResultInvalidMessage, "uncompressed size exceeds protocol maximum")
	}

	compressedPayload := r.reader.Remainder()

	if len(meta.GetEncryptionKeys()) > 0 {
		decrypted, outcome := r.decryptIfNeeded(key, meta, compressedPayload)
		switch outcome {
		case decryptOutcomeDiscarded:
			return newError(ResultInvalidMessage, "message discarded: decryption unavailable or failed")
		case decryptOutcomeFailConsume:
			return newError(ResultInvalidMessage, "message delivery failed: decryption unavailable or failed")
		}
		compressedPayload = decrypted
	}

	provider, err := compression.NewProvider(compression.Type(meta.GetCompression()))
	if err != nil {
		r.discardCorrupted(key, "unsupported compression codec", wireproto.ValidationErrorDecompressionError, err)
		return err
	}
	defer provider.Close()

	uncompressed, err := provider.Decompress(nil, compressedPayload, int(meta.GetUncompressedSize()))
	if err != nil {
		r.discardCorrupted(key, "decompression failed", wireproto.ValidationErrorDecompressionError, err)
		return err
	}

	if meta.HasChecksum() && !verifyChecksum(uncompressed, meta.GetChecksum()) {
		r.discardCorrupted(key, "checksum mismatch", wireproto.ValidationErrorChecksumMismatch, nil)
		return newError(ResultInvalidMessage, "checksum mismatch")
	}

	r.reader.ResetBuffer(internal.NewBufferWrapper(uncompressed))

	// Open Question decision (DESIGN.md #1): a batch-of-1 with the field
	// explicitly present still takes the batch branch, preserved
	// verbatim rather than collapsed into the single-message path.
	if meta.HasNumMessagesInBatch() {
		if r.zeroQueue {
			r.log.WithField("messageId", key.String()).Warn("receive path: batch delivered on a zero-capacity receiver queue")
			if r.OnUnsupportedZeroQueueBatch != nil {
				r.OnUnsupportedZeroQueueBatch()
			}
			return newError(ResultInvalidMessage, "batch received with zero receiver queue")
		}
		return r.handleBatch(key, meta, redeliveryCount, connID)
	}
	return r.handleSingle(key, meta, redeliveryCount, connID)
}

type decryptOutcome int

const (
	decryptOutcomeOK decryptOutcome = iota
	// decryptOutcomeDiscarded means the message was acked away
	// (crypto.Discard) and must not be dispatched further.
	decryptOutcomeDiscarded
	// decryptOutcomeFailConsume means delivery failed outright
	// (crypto.FailConsume) without an ack.
	decryptOutcomeFailConsume
)

// decryptIfNeeded mirrors the teacher's decryptPayLoadIfNeeded: no
// KeyReader configured, or Decrypt itself failing, is handled per
// cryptoFailureAction rather than always surfacing as a hard error.
// Concrete decryption is only attempted when both collaborators are
// configured; otherwise the message still reaches the application as
// ciphertext (crypto.Consume) alongside the EncryptionContext built in
// buildMessage.
func (r *ReceivePath) decryptIfNeeded(key MessageID, meta *wireproto.MessageMetadata, payload []byte) ([]byte, decryptOutcome) {
	if r.keyReader == nil || r.messageCrypto == nil {
		switch r.cryptoFailureAction {
		case crypto.Discard:
			r.log.WithField("messageId", key.String()).Warn("receive path: discarding encrypted message, no KeyReader configured")
			r.discardCorrupted(key, "no KeyReader configured", wireproto.ValidationErrorDecryptionError, nil)
			return nil, decryptOutcomeDiscarded
		case crypto.FailConsume:
			r.log.WithField("messageId", key.String()).Error("receive path: message delivery failed, no KeyReader configured")
			return nil, decryptOutcomeFailConsume
		default: // crypto.Consume
			r.log.WithField("messageId", key.String()).Warn("receive path: consuming encrypted message, no KeyReader configured")
			return payload, decryptOutcomeOK
		}
	}

	decrypted, err := r.messageCrypto.Decrypt(meta, payload, r.keyReader)
	if err != nil {
		switch r.cryptoFailureAction {
		case crypto.Discard:
			r.discardCorrupted(key, "decryption failed", wireproto.ValidationErrorDecryptionError, err)
			return nil, decryptOutcomeDiscarded
		case crypto.FailConsume:
			r.log.WithField("messageId", key.String()).WithError(err).Error("receive path: message delivery failed, decryption failed")
			return nil, decryptOutcomeFailConsume
		default: // crypto.Consume
			r.log.WithField("messageId", key.String()).WithError(err).Warn("receive path: decryption failed, consuming encrypted message")
			return payload, decryptOutcomeOK
		}
	}
	return decrypted, decryptOutcomeOK
}

func (r *ReceivePath) handleSingle(key MessageID, meta *wireproto.MessageMetadata, redeliveryCount uint32, connID uint64) error {
	payload := r.reader.Remainder()
	batchID := BatchMessageID{MessageID: key, BatchIndex: noBatchIndex}

	msg := r.buildMessage(batchID, meta, nil, payload, redeliveryCount, connID)
	r.unacked.Add(asOrderedID(key))
	r.Deliver(msg)
	return nil
}

func (r *ReceivePath) handleBatch(key MessageID, meta *wireproto.MessageMetadata, redeliveryCount uint32, connID uint64) error {
	batchSize := meta.GetNumMessagesInBatch()
	if batchSize <= 0 {
		r.discardCorrupted(key, "batch size <= 0", wireproto.ValidationErrorBatchDeSerializeError, nil)
		return newError(ResultInvalidMessage, "invalid batch size")
	}

	r.ackTracker.NewEntry(key, batchSize)
	r.unacked.Add(asOrderedID(key))

	for i := int32(0); i < batchSize; i++ {
		smm, payload, err := r.reader.ReadMessage()
		if err != nil {
			r.discardCorrupted(key, "failed to parse single message metadata", wireproto.ValidationErrorBatchDeSerializeError, err)
			return err
		}
		batchID := BatchMessageID{MessageID: key, BatchIndex: i}
		msg := r.buildMessage(batchID, meta, smm, payload, redeliveryCount, connID)
		r.Deliver(msg)
	}
	return nil
}

func (r *ReceivePath) buildMessage(id BatchMessageID, meta *wireproto.MessageMetadata, smm *wireproto.SingleMessageMetadata, payload []byte, redeliveryCount uint32, connID uint64) Message {
	msg := Message{
		ID:              id.MessageID,
		BatchID:         id,
		Payload:         payload,
		ProducerName:    meta.GetProducerName(),
		PublishTime:     timeFromUnixMillis(meta.GetPublishTime()),
		EventTime:       timeFromUnixMillis(meta.GetEventTime()),
		PartitionKey:    meta.GetPartitionKey(),
		RedeliveryCount: redeliveryCount,
		receivedConnID:  connID,
		receivedAt:      time.Now(),
	}
	msg.Properties = propertiesToMap(meta.GetProperties())

	if smm != nil {
		if len(smm.GetProperties()) > 0 {
			msg.Properties = propertiesToMap(smm.GetProperties())
		}
		if smm.GetPartitionKey() != "" {
			msg.PartitionKey = smm.GetPartitionKey()
		}
		if smm.GetEventTime() != 0 {
			msg.EventTime = timeFromUnixMillis(smm.GetEventTime())
		}
	}

	if len(meta.GetEncryptionKeys()) > 0 {
		msg.EncryptionContext = buildEncryptionContext(meta)
	}

	if r.metrics != nil {
		r.metrics.MessagesReceived.Inc()
		r.metrics.BytesReceived.Add(float64(len(payload)))
	}
	return msg
}

func buildEncryptionContext(meta *wireproto.MessageMetadata) *EncryptionContext {
	keys := make(map[string]EncryptionKey, len(meta.GetEncryptionKeys()))
	for _, k := range meta.GetEncryptionKeys() {
		md := make(map[string]string, len(k.GetMetadata()))
		for _, kv := range k.GetMetadata() {
			md[kv.GetKey()] = kv.GetValue()
		}
		keys[k.GetKey()] = EncryptionKey{KeyValue: k.GetValue(), Metadata: md}
	}
	return &EncryptionContext{
		Keys:             keys,
		Algorithm:        meta.GetEncryptionAlgo(),
		Param:            meta.GetEncryptionParam(),
		UncompressedSize: int(meta.GetUncompressedSize()),
		BatchSize:        int(meta.GetNumMessagesInBatch()),
	}
}

func propertiesToMap(kvs []*wireproto.KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.GetKey()] = kv.GetValue()
	}
	return out
}

// discardCorrupted implements spec §4.3's discard policy: ack the entry
// with the validation error so the broker can record it, return one
// flow credit, and bump the receive-failure counter.
func (r *ReceivePath) discardCorrupted(key MessageID, reason string, verr wireproto.ValidationError, err error) {
	r.log.WithField("reason", reason).WithField("messageId", key.String()).WithError(err).Warn("receive path: discarding corrupted message")
	if r.metrics != nil {
		r.metrics.ReceiveFailure.Inc()
	}
	if r.SendValidationAck != nil {
		r.SendValidationAck(key, verr)
	}
	r.flow.OnCorruptedMessageDiscarded()
}

// verifyChecksum implements spec §4.3 step 4: an xxhash-64 digest of the
// uncompressed payload must match the metadata's checksum field.
func verifyChecksum(payload []byte, expected uint64) bool {
	return xxhash.Sum64(payload) == expected
}
