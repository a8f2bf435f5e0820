// Package wireproto holds the message-frame structures the receive path
// decodes directly (MessageMetadata, SingleMessageMetadata) and the
// command structures the consumer core builds to hand to the
// connection collaborator (CommandFlow, CommandAck, ...). Wire encoding
// of the commands themselves is the underlying protocol library's job
// (spec §6); only the metadata structures are marshaled/unmarshaled
// here, because the receive path is explicitly in scope (spec §4.3).
//
// These are hand-held stand-ins for the generated protobuf package a
// full client depends on (protoc codegen isn't available in this
// environment). They use the same tag-based reflection marshaling the
// gogo/protobuf runtime supports for plain Go structs, so Marshal/
// Unmarshal behave like real protobuf encoding without generated code.
package wireproto

import "github.com/gogo/protobuf/proto"

// CompressionType mirrors the compression codec carried in
// MessageMetadata.Compression.
type CompressionType int32

const (
	CompressionNone CompressionType = 0
	CompressionLZ4  CompressionType = 1
	CompressionZLib CompressionType = 2
	CompressionZSTD CompressionType = 3
)

func (c CompressionType) Enum() *CompressionType {
	return &c
}

// KeyValue is a generic string/string property pair.
type KeyValue struct {
	Key   *string `protobuf:"bytes,1,req,name=key"`
	Value *string `protobuf:"bytes,2,req,name=value"`
}

func (m *KeyValue) Reset()         { *m = KeyValue{} }
func (m *KeyValue) String() string { return proto.CompactTextString(m) }
func (*KeyValue) ProtoMessage()    {}

func (m *KeyValue) GetKey() string {
	if m != nil && m.Key != nil {
		return *m.Key
	}
	return ""
}

func (m *KeyValue) GetValue() string {
	if m != nil && m.Value != nil {
		return *m.Value
	}
	return ""
}

// EncryptionKeyValue carries one named encryption key plus its metadata,
// used to populate the supplemented EncryptionContext (SPEC_FULL §5).
type EncryptionKeyValue struct {
	Key      *string     `protobuf:"bytes,1,req,name=key"`
	Value    []byte      `protobuf:"bytes,2,req,name=value"`
	Metadata []*KeyValue `protobuf:"bytes,3,rep,name=metadata"`
}

func (m *EncryptionKeyValue) Reset()         { *m = EncryptionKeyValue{} }
func (m *EncryptionKeyValue) String() string { return proto.CompactTextString(m) }
func (*EncryptionKeyValue) ProtoMessage()    {}

func (m *EncryptionKeyValue) GetKey() string {
	if m != nil && m.Key != nil {
		return *m.Key
	}
	return ""
}

func (m *EncryptionKeyValue) GetValue() []byte {
	if m != nil {
		return m.Value
	}
	return nil
}

func (m *EncryptionKeyValue) GetMetadata() []*KeyValue {
	if m != nil {
		return m.Metadata
	}
	return nil
}

// MessageMetadata is the per-entry metadata the receive path decodes
// before decompression/checksum validation (spec §4.3 step 1, §6).
type MessageMetadata struct {
	ProducerName       *string               `protobuf:"bytes,1,req,name=producer_name"`
	SequenceId         *uint64               `protobuf:"varint,2,req,name=sequence_id"`
	PublishTime        *uint64               `protobuf:"varint,3,req,name=publish_time"`
	Properties         []*KeyValue           `protobuf:"bytes,4,rep,name=properties"`
	ReplicateTo        []string              `protobuf:"bytes,5,rep,name=replicate_to"`
	Compression        *CompressionType      `protobuf:"varint,6,opt,name=compression,enum=wireproto.CompressionType,def=0"`
	UncompressedSize   *uint32               `protobuf:"varint,7,opt,name=uncompressed_size,def=0"`
	NumMessagesInBatch *int32                `protobuf:"varint,8,opt,name=num_messages_in_batch,def=1"`
	Checksum           *uint64               `protobuf:"varint,9,opt,name=checksum"`
	EventTime          *uint64               `protobuf:"varint,10,opt,name=event_time,def=0"`
	PartitionKey       *string               `protobuf:"bytes,11,opt,name=partition_key"`
	ReplicatedFrom     *string               `protobuf:"bytes,12,opt,name=replicated_from"`
	EncryptionKeys     []*EncryptionKeyValue `protobuf:"bytes,13,rep,name=encryption_keys"`
	EncryptionAlgo     *string               `protobuf:"bytes,14,opt,name=encryption_algo"`
	EncryptionParam    []byte                `protobuf:"bytes,15,opt,name=encryption_param"`
}

func (m *MessageMetadata) Reset()         { *m = MessageMetadata{} }
func (m *MessageMetadata) String() string { return proto.CompactTextString(m) }
func (*MessageMetadata) ProtoMessage()    {}

func (m *MessageMetadata) GetCompression() CompressionType {
	if m != nil && m.Compression != nil {
		return *m.Compression
	}
	return CompressionNone
}

func (m *MessageMetadata) GetUncompressedSize() uint32 {
	if m != nil && m.UncompressedSize != nil {
		return *m.UncompressedSize
	}
	return 0
}

func (m *MessageMetadata) GetNumMessagesInBatch() int32 {
	if m != nil && m.NumMessagesInBatch != nil {
		return *m.NumMessagesInBatch
	}
	return 1
}

func (m *MessageMetadata) HasNumMessagesInBatch() bool {
	return m != nil && m.NumMessagesInBatch != nil
}

func (m *MessageMetadata) GetChecksum() uint64 {
	if m != nil && m.Checksum != nil {
		return *m.Checksum
	}
	return 0
}

func (m *MessageMetadata) HasChecksum() bool {
	return m != nil && m.Checksum != nil
}

func (m *MessageMetadata) GetPublishTime() uint64 {
	if m != nil && m.PublishTime != nil {
		return *m.PublishTime
	}
	return 0
}

func (m *MessageMetadata) GetEventTime() uint64 {
	if m != nil && m.EventTime != nil {
		return *m.EventTime
	}
	return 0
}

func (m *MessageMetadata) GetPartitionKey() string {
	if m != nil && m.PartitionKey != nil {
		return *m.PartitionKey
	}
	return ""
}

func (m *MessageMetadata) GetProducerName() string {
	if m != nil && m.ProducerName != nil {
		return *m.ProducerName
	}
	return ""
}

func (m *MessageMetadata) GetProperties() []*KeyValue {
	if m != nil {
		return m.Properties
	}
	return nil
}

func (m *MessageMetadata) GetReplicateTo() []string {
	if m != nil {
		return m.ReplicateTo
	}
	return nil
}

func (m *MessageMetadata) GetReplicatedFrom() string {
	if m != nil && m.ReplicatedFrom != nil {
		return *m.ReplicatedFrom
	}
	return ""
}

func (m *MessageMetadata) GetEncryptionKeys() []*EncryptionKeyValue {
	if m != nil {
		return m.EncryptionKeys
	}
	return nil
}

func (m *MessageMetadata) GetEncryptionAlgo() string {
	if m != nil && m.EncryptionAlgo != nil {
		return *m.EncryptionAlgo
	}
	return ""
}

func (m *MessageMetadata) GetEncryptionParam() []byte {
	if m != nil {
		return m.EncryptionParam
	}
	return nil
}

// SingleMessageMetadata describes one message within a batched entry
// (spec §6: "Batched payloads are a sequence of [SingleMessageMetadata
// varint-length + bytes][single payload bytes]").
type SingleMessageMetadata struct {
	Properties   []*KeyValue `protobuf:"bytes,1,rep,name=properties"`
	PartitionKey *string     `protobuf:"bytes,2,opt,name=partition_key"`
	PayloadSize  *int32      `protobuf:"varint,3,req,name=payload_size"`
	CompactedOut *bool       `protobuf:"varint,4,opt,name=compacted_out,def=0"`
	EventTime    *uint64     `protobuf:"varint,5,opt,name=event_time,def=0"`
}

func (m *SingleMessageMetadata) Reset()         { *m = SingleMessageMetadata{} }
func (m *SingleMessageMetadata) String() string { return proto.CompactTextString(m) }
func (*SingleMessageMetadata) ProtoMessage()    {}

func (m *SingleMessageMetadata) GetPayloadSize() int32 {
	if m != nil && m.PayloadSize != nil {
		return *m.PayloadSize
	}
	return 0
}

func (m *SingleMessageMetadata) GetPartitionKey() string {
	if m != nil && m.PartitionKey != nil {
		return *m.PartitionKey
	}
	return ""
}

func (m *SingleMessageMetadata) GetEventTime() uint64 {
	if m != nil && m.EventTime != nil {
		return *m.EventTime
	}
	return 0
}

func (m *SingleMessageMetadata) GetProperties() []*KeyValue {
	if m != nil {
		return m.Properties
	}
	return nil
}
