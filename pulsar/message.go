package pulsar

import "time"

// EncryptionKey is one named encryption key plus arbitrary metadata,
// surfaced on delivery when a message carries encryption material the
// core has no KeyReader for (SPEC_FULL supplemented feature #5).
type EncryptionKey struct {
	KeyValue []byte
	Metadata map[string]string
}

// EncryptionContext is attached to a Message when its metadata carried
// encryption keys. Concrete crypto execution is out of scope (spec §1
// draws the same boundary around TLS); this context only lets an
// application that does understand the scheme decrypt for itself.
type EncryptionContext struct {
	Keys             map[string]EncryptionKey
	Algorithm        string
	Param            []byte
	UncompressedSize int
	BatchSize        int
}

// Message is the application-visible unit of data. Ownership transfers
// to the application on delivery; the consumer core retains only the id
// in the UnackedMessageTracker (spec §3 "Lifecycles").
type Message struct {
	ID                MessageID
	BatchID           BatchMessageID
	Payload           []byte
	Properties        map[string]string
	PartitionKey      string
	ProducerName      string
	PublishTime       time.Time
	EventTime         time.Time
	RedeliveryCount   uint32
	EncryptionContext *EncryptionContext

	// receivedConnID records which connection instance delivered this
	// message, so fetch_single (spec §4.4) can discard anything from a
	// retired connection.
	receivedConnID uint64
	receivedAt     time.Time
}

func timeFromUnixMillis(ms uint64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}
