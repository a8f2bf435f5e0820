package wireproto

// AckType distinguishes individual from cumulative acknowledgements
// (spec §4.2, GLOSSARY).
type AckType int32

const (
	AckIndividual AckType = 0
	AckCumulative AckType = 1
)

func (a AckType) Enum() *AckType { return &a }

// ValidationError tags why a message was discarded by the receive path
// (spec §4.3).
type ValidationError int32

const (
	ValidationErrorChecksumMismatch           ValidationError = 0
	ValidationErrorDecompressionError         ValidationError = 1
	ValidationErrorUncompressedSizeCorruption ValidationError = 2
	ValidationErrorBatchDeSerializeError      ValidationError = 3
	ValidationErrorDecryptionError            ValidationError = 4
)

func (v ValidationError) Enum() *ValidationError { return &v }

// SubType mirrors the subscription types named in spec §6's config.
type SubType int32

const (
	SubTypeExclusive SubType = 0
	SubTypeShared    SubType = 1
	SubTypeFailover  SubType = 2
)

func (s SubType) Enum() *SubType { return &s }

// InitialPosition is carried on Subscribe; out of the core's direct
// scope (broker-side cursor placement) but threaded through since
// Subscribe must still send it.
type InitialPosition int32

const (
	InitialPositionLatest   InitialPosition = 0
	InitialPositionEarliest InitialPosition = 1
)

func (p InitialPosition) Enum() *InitialPosition { return &p }

// MessageIdData is the wire identifier of a broker entry. Per spec §4.3,
// the underlying transport hands the receive path an already-parsed
// message id alongside the frame payload, so this type carries no
// Marshal/Unmarshal of its own here; it exists for command construction
// (Ack, RedeliverUnacknowledgedMessages) and Subscribe's start position.
type MessageIdData struct {
	LedgerId   *uint64
	EntryId    *uint64
	Partition  *int32
	BatchIndex *int32
}

func (m *MessageIdData) GetLedgerId() uint64 {
	if m != nil && m.LedgerId != nil {
		return *m.LedgerId
	}
	return 0
}

func (m *MessageIdData) GetEntryId() uint64 {
	if m != nil && m.EntryId != nil {
		return *m.EntryId
	}
	return 0
}

func (m *MessageIdData) GetBatchIndex() int32 {
	if m != nil && m.BatchIndex != nil {
		return *m.BatchIndex
	}
	return -1
}

// CommandFlow grants additional message permits to the broker (spec §6).
type CommandFlow struct {
	ConsumerId     *uint64
	MessagePermits *uint32
}

// CommandAck acknowledges one or more message ids (spec §6).
type CommandAck struct {
	ConsumerId      *uint64
	MessageId       []*MessageIdData
	AckType         *AckType
	ValidationError *ValidationError
}

// CommandSubscribe opens a subscription on a topic partition (spec §6).
type CommandSubscribe struct {
	Topic           *string
	Subscription    *string
	SubType         *SubType
	ConsumerId      *uint64
	RequestId       *uint64
	ConsumerName    *string
	Durable         *bool
	Metadata        []*KeyValue
	ReadCompacted   *bool
	InitialPosition *InitialPosition
	StartMessageId  *MessageIdData
}

// CommandUnsubscribe tears down a durable subscription (spec §6).
type CommandUnsubscribe struct {
	ConsumerId *uint64
	RequestId  *uint64
}

// CommandCloseConsumer asks the broker to drop this consumer (spec §6).
type CommandCloseConsumer struct {
	ConsumerId *uint64
	RequestId  *uint64
}

// CommandRedeliverUnacknowledgedMessages asks for redelivery of every
// message still outstanding on this consumer (spec §4.7, §6).
type CommandRedeliverUnacknowledgedMessages struct {
	ConsumerId *uint64
	MessageIds []*MessageIdData
}

// CommandGetLastMessageId requests the last message id in the topic
// (SPEC_FULL supplemented feature #2).
type CommandGetLastMessageId struct {
	ConsumerId *uint64
	RequestId  *uint64
}

// CommandSeek repositions the subscription cursor (SPEC_FULL
// supplemented feature #1).
type CommandSeek struct {
	ConsumerId         *uint64
	RequestId          *uint64
	MessageId          *MessageIdData
	MessagePublishTime *uint64
}
