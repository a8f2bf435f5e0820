package internal

import (
	"encoding/binary"
	"fmt"

	"github.com/gogo/protobuf/proto"

	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal/wireproto"
)

// MessageReader walks the [MessageMetadata varint-length + bytes][payload
// bytes] framing described in spec §6, and -- once reset onto the
// uncompressed payload -- the batched [SingleMessageMetadata
// varint-length + bytes][single payload bytes] sequence.
type MessageReader struct {
	buf []byte
	pos int
}

// NewMessageReader builds a reader over the raw (still compressed)
// headers-and-payload buffer delivered by the transport.
func NewMessageReader(buf Buffer) *MessageReader {
	return &MessageReader{buf: buf.ReadableSlice()}
}

// ResetBuffer repoints the reader at the uncompressed payload so batch
// entries can be walked with the same primitive (mirrors the teacher's
// reader.ResetBuffer call after Decompress).
func (r *MessageReader) ResetBuffer(buf Buffer) {
	r.buf = buf.ReadableSlice()
	r.pos = 0
}

func (r *MessageReader) readVarintLen() (int, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("wireproto: truncated frame, no length prefix at offset %d", r.pos)
	}
	length, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("wireproto: invalid varint length prefix at offset %d", r.pos)
	}
	r.pos += n
	return int(length), nil
}

// ReadMessageMetadata decodes the leading MessageMetadata block (spec
// §4.3 step 1) and leaves the reader positioned at the start of the
// (still compressed) payload.
func (r *MessageReader) ReadMessageMetadata() (*wireproto.MessageMetadata, error) {
	length, err := r.readVarintLen()
	if err != nil {
		return nil, err
	}
	if r.pos+length > len(r.buf) {
		return nil, fmt.Errorf("wireproto: metadata length %d exceeds remaining buffer", length)
	}
	metaBytes := r.buf[r.pos : r.pos+length]
	r.pos += length

	meta := &wireproto.MessageMetadata{}
	if err := proto.Unmarshal(metaBytes, meta); err != nil {
		return nil, fmt.Errorf("wireproto: unmarshal message metadata: %w", err)
	}
	return meta, nil
}

// Remainder returns whatever bytes are left unread -- the payload for a
// non-batched message, or the start of the batch sequence.
func (r *MessageReader) Remainder() []byte {
	return r.buf[r.pos:]
}

// ReadMessage decodes one [SingleMessageMetadata varint-length +
// bytes][single payload bytes] pair from a batch (spec §4.3 step 5, §6).
func (r *MessageReader) ReadMessage() (*wireproto.SingleMessageMetadata, []byte, error) {
	length, err := r.readVarintLen()
	if err != nil {
		return nil, nil, err
	}
	if r.pos+length > len(r.buf) {
		return nil, nil, fmt.Errorf("wireproto: single message metadata length %d exceeds remaining buffer", length)
	}
	smmBytes := r.buf[r.pos : r.pos+length]
	r.pos += length

	smm := &wireproto.SingleMessageMetadata{}
	if err := proto.Unmarshal(smmBytes, smm); err != nil {
		return nil, nil, fmt.Errorf("wireproto: unmarshal single message metadata: %w", err)
	}

	payloadSize := int(smm.GetPayloadSize())
	if payloadSize < 0 || r.pos+payloadSize > len(r.buf) {
		return nil, nil, fmt.Errorf("wireproto: single message payload size %d exceeds remaining buffer", payloadSize)
	}
	payload := r.buf[r.pos : r.pos+payloadSize]
	r.pos += payloadSize

	return smm, payload, nil
}
