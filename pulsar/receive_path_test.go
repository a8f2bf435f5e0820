package pulsar

import (
	"encoding/binary"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/gogo/protobuf/proto"
	"github.com/stretchr/testify/require"

	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal/crypto"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal/wireproto"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/log"
	"github.com/brokerstream/pulsar-consumer-core/pulsar/metrics"
)

func appendVarintPrefixed(buf []byte, payload []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, payload...)
}

// buildSingleFrame encodes one non-batched [metadata][payload] frame, the
// way the broker would send it (spec §6).
func buildSingleFrame(t *testing.T, meta *wireproto.MessageMetadata, payload []byte) []byte {
	t.Helper()
	metaBytes, err := proto.Marshal(meta)
	require.NoError(t, err)

	var buf []byte
	buf = appendVarintPrefixed(buf, metaBytes)
	buf = append(buf, payload...)
	return buf
}

// buildBatchFrame encodes a batched frame: [metadata][smm1][payload1]...
func buildBatchFrame(t *testing.T, meta *wireproto.MessageMetadata, entries [][]byte) []byte {
	t.Helper()
	metaBytes, err := proto.Marshal(meta)
	require.NoError(t, err)

	var buf []byte
	buf = appendVarintPrefixed(buf, metaBytes)
	for _, payload := range entries {
		size := int32(len(payload))
		smm := &wireproto.SingleMessageMetadata{PayloadSize: &size}
		smmBytes, err := proto.Marshal(smm)
		require.NoError(t, err)
		buf = appendVarintPrefixed(buf, smmBytes)
		buf = append(buf, payload...)
	}
	return buf
}

func newTestReceivePath(zeroQueue bool) (*ReceivePath, *[]Message, *[]MessageID) {
	var delivered []Message
	var validationAcks []MessageID

	m := metrics.NewTopicMetrics(nil, "t", "s", "c")
	ackTracker := NewBatchAckTracker()
	var fc FlowSender
	flow := NewFlowController(1, 10, func() FlowSender { return fc }, m, log.NewNoopLogger())
	unacked := internal.NewUnackedMessageTracker(0, 0, nil, log.NewNoopLogger())

	rp := NewReceivePath(1, 0, zeroQueue, ackTracker, flow, unacked, m, log.NewNoopLogger(), func(msg Message) EnqueueOutcome {
		delivered = append(delivered, msg)
		return OutcomeQueued
	})
	rp.SendValidationAck = func(key MessageID, verr wireproto.ValidationError) {
		validationAcks = append(validationAcks, key)
	}
	return rp, &delivered, &validationAcks
}

func baseMeta(payload []byte, checksum bool) *wireproto.MessageMetadata {
	producerName := "test-producer"
	seqID := uint64(1)
	publishTime := uint64(1000)
	size := uint32(len(payload))
	meta := &wireproto.MessageMetadata{
		ProducerName:     &producerName,
		SequenceId:       &seqID,
		PublishTime:      &publishTime,
		UncompressedSize: &size,
	}
	if checksum {
		sum := xxhash.Sum64(payload)
		meta.Checksum = &sum
	}
	return meta
}

func TestReceivePath_HandleFrame_SingleMessage(t *testing.T) {
	rp, delivered, _ := newTestReceivePath(false)

	payload := []byte("hello world")
	meta := baseMeta(payload, true)
	frame := buildSingleFrame(t, meta, payload)

	msgID := wireproto.MessageIdData{LedgerId: proto.Uint64(1), EntryId: proto.Uint64(2)}
	err := rp.HandleFrame(msgID, 0, 7, internal.NewBufferWrapper(frame))
	require.NoError(t, err)

	require.Len(t, *delivered, 1)
	got := (*delivered)[0]
	require.Equal(t, "hello world", string(got.Payload))
	require.Equal(t, "test-producer", got.ProducerName)
	require.False(t, got.BatchID.IsBatched())
}

func TestReceivePath_HandleFrame_ChecksumMismatch_Discards(t *testing.T) {
	rp, delivered, validationAcks := newTestReceivePath(false)

	payload := []byte("hello world")
	meta := baseMeta(payload, false)
	badSum := uint64(12345)
	meta.Checksum = &badSum
	frame := buildSingleFrame(t, meta, payload)

	msgID := wireproto.MessageIdData{LedgerId: proto.Uint64(1), EntryId: proto.Uint64(2)}
	err := rp.HandleFrame(msgID, 0, 7, internal.NewBufferWrapper(frame))
	require.Error(t, err)

	require.Empty(t, *delivered)
	require.Len(t, *validationAcks, 1)
}

func TestReceivePath_HandleFrame_UncompressedSizeExceedsMax_Discards(t *testing.T) {
	rp, delivered, validationAcks := newTestReceivePath(false)

	payload := []byte("hello world")
	meta := baseMeta(payload, true)
	tooLarge := uint32(DefaultMaxUncompressedMessageSize + 1)
	meta.UncompressedSize = &tooLarge
	frame := buildSingleFrame(t, meta, payload)

	msgID := wireproto.MessageIdData{LedgerId: proto.Uint64(1), EntryId: proto.Uint64(2)}
	err := rp.HandleFrame(msgID, 0, 7, internal.NewBufferWrapper(frame))
	require.Error(t, err)

	require.Empty(t, *delivered)
	require.Len(t, *validationAcks, 1)
}

func TestReceivePath_HandleFrame_Batch(t *testing.T) {
	rp, delivered, _ := newTestReceivePath(false)

	entries := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	var all []byte
	for _, e := range entries {
		all = append(all, e...)
	}
	meta := baseMeta(all, false) // checksum validated against uncompressed batch bytes built below
	numMsgs := int32(len(entries))
	meta.NumMessagesInBatch = &numMsgs

	frame := buildBatchFrame(t, meta, entries)
	// Recompute checksum over the exact uncompressed bytes (no
	// compression codec applied, so uncompressed == the batch frame's
	// remainder after the metadata block).
	metaBytes, err := proto.Marshal(meta)
	require.NoError(t, err)
	var metaLenBuf []byte
	metaLenBuf = appendVarintPrefixed(metaLenBuf, metaBytes)
	uncompressed := frame[len(metaLenBuf):]
	sum := xxhash.Sum64(uncompressed)
	meta.Checksum = &sum
	frame = buildBatchFrame(t, meta, entries)

	msgID := wireproto.MessageIdData{LedgerId: proto.Uint64(5), EntryId: proto.Uint64(6)}
	err = rp.HandleFrame(msgID, 0, 7, internal.NewBufferWrapper(frame))
	require.NoError(t, err)

	require.Len(t, *delivered, 3)
	for i, msg := range *delivered {
		require.True(t, msg.BatchID.IsBatched())
		require.Equal(t, int32(i), msg.BatchID.BatchIndex)
	}
	require.Equal(t, 1, rp.ackTracker.Len())
}

func TestReceivePath_HandleFrame_BatchOnZeroQueue_TriggersClose(t *testing.T) {
	rp, delivered, _ := newTestReceivePath(true)
	var closeTriggered bool
	rp.OnUnsupportedZeroQueueBatch = func() { closeTriggered = true }

	entries := [][]byte{[]byte("one"), []byte("two")}
	var all []byte
	for _, e := range entries {
		all = append(all, e...)
	}
	meta := baseMeta(all, false)
	numMsgs := int32(len(entries))
	meta.NumMessagesInBatch = &numMsgs
	frame := buildBatchFrame(t, meta, entries)

	msgID := wireproto.MessageIdData{LedgerId: proto.Uint64(1), EntryId: proto.Uint64(1)}
	err := rp.HandleFrame(msgID, 0, 7, internal.NewBufferWrapper(frame))
	require.Error(t, err)
	require.Empty(t, *delivered)
	require.True(t, closeTriggered)
}

func TestReceivePath_DecryptIfNeeded_NoKeyReaderConsumeDefault(t *testing.T) {
	rp, _, _ := newTestReceivePath(false)
	rp.cryptoFailureAction = crypto.Consume

	payload := []byte("ciphertext")
	meta := &wireproto.MessageMetadata{}
	out, outcome := rp.decryptIfNeeded(NewMessageID(1, 0, 0), meta, payload)
	require.Equal(t, decryptOutcomeOK, outcome)
	require.Equal(t, payload, out)
}

func TestReceivePath_DecryptIfNeeded_NoKeyReaderDiscard(t *testing.T) {
	rp, _, validationAcks := newTestReceivePath(false)
	rp.cryptoFailureAction = crypto.Discard

	meta := &wireproto.MessageMetadata{}
	_, outcome := rp.decryptIfNeeded(NewMessageID(1, 0, 0), meta, []byte("ciphertext"))
	require.Equal(t, decryptOutcomeDiscarded, outcome)
	require.Len(t, *validationAcks, 1)
}

func TestReceivePath_DecryptIfNeeded_NoKeyReaderFailConsume(t *testing.T) {
	rp, _, _ := newTestReceivePath(false)
	rp.cryptoFailureAction = crypto.FailConsume

	meta := &wireproto.MessageMetadata{}
	_, outcome := rp.decryptIfNeeded(NewMessageID(1, 0, 0), meta, []byte("ciphertext"))
	require.Equal(t, decryptOutcomeFailConsume, outcome)
}

type fakeKeyReader struct{}

func (fakeKeyReader) GetPrivateKey(string, map[string]string) (*crypto.EncryptionKeyInfo, error) {
	return &crypto.EncryptionKeyInfo{}, nil
}
func (fakeKeyReader) GetPublicKey(string, map[string]string) (*crypto.EncryptionKeyInfo, error) {
	return &crypto.EncryptionKeyInfo{}, nil
}

type fakeMessageCrypto struct {
	decrypted []byte
	err       error
}

func (f fakeMessageCrypto) Decrypt(*wireproto.MessageMetadata, []byte, crypto.KeyReader) ([]byte, error) {
	return f.decrypted, f.err
}
func (f fakeMessageCrypto) Encrypt([]string, crypto.KeyReader, *wireproto.MessageMetadata, []byte) ([]byte, error) {
	return nil, nil
}

func TestReceivePath_DecryptIfNeeded_Success(t *testing.T) {
	rp, _, _ := newTestReceivePath(false)
	rp.keyReader = fakeKeyReader{}
	rp.messageCrypto = fakeMessageCrypto{decrypted: []byte("plaintext")}

	meta := &wireproto.MessageMetadata{}
	out, outcome := rp.decryptIfNeeded(NewMessageID(1, 0, 0), meta, []byte("ciphertext"))
	require.Equal(t, decryptOutcomeOK, outcome)
	require.Equal(t, []byte("plaintext"), out)
}
