package internal

import (
	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal/wireproto"
)

// RequestResult carries whatever the broker sent back for a
// request/response command (Subscribe, Unsubscribe, CloseConsumer,
// GetLastMessageId, Seek).
type RequestResult struct {
	Success             bool
	ErrorMessage        string
	ConsumerName        string
	LastMessageId       *wireproto.MessageIdData
}

// Connection is the shared, non-owned connection collaborator named in
// spec §6 and §9 ("ConsumerCore holds a non-owning reference to a shared
// connection which may be swapped under it"). It is implemented by the
// transport layer; this module only consumes it.
type Connection interface {
	// SendRequestWithID sends a request command expecting a matching
	// reply keyed by requestID, and blocks until the reply arrives or
	// the connection fails.
	SendRequestWithID(requestID uint64, cmd interface{}) (*RequestResult, error)

	// WriteAndFlush sends a fire-and-forget command (Flow, Ack,
	// RedeliverUnacknowledgedMessages) and reports the outcome of the
	// flush -- this is what the ack path's future resolves on (spec §4.5).
	WriteAndFlush(cmd interface{}) error

	RegisterConsumer(consumerID uint64, handler MessageHandler)
	RemoveConsumer(consumerID uint64)

	RemoteEndpointProtocolVersion() int32

	// ID distinguishes this connection instance from any other,
	// including a prior incarnation after a reconnect (spec §4.4
	// fetch_single, GLOSSARY "stale connection").
	ID() uint64

	Close()
}

// MessageHandler receives pushed frames for a single consumer ID. The
// partition consumer implements this to feed the receive path.
type MessageHandler interface {
	MessageReceived(msgID wireproto.MessageIdData, redeliveryCount uint32, headersAndPayload Buffer) error
	ConnectionClosed()
}

// ProtocolVersionRedeliverSupport is the minimum remote protocol version
// that supports RedeliverUnacknowledgedMessages directly (spec §4.7).
const ProtocolVersionRedeliverSupport = int32(2)
