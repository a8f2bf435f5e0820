package pulsar

import (
	"fmt"

	"github.com/brokerstream/pulsar-consumer-core/pulsar/internal"
)

// noBatchIndex marks a MessageID that is not part of a batch -- the
// "enclosing" form a BatchMessageID compares equal to on its first three
// components (spec §3).
const noBatchIndex = -1

// MessageID is the totally ordered (ledgerId, entryId, partition)
// identifier spec §3 describes. Comparisons are lexicographic.
type MessageID struct {
	LedgerID    int64
	EntryID     int64
	PartitionID int32
}

// BatchMessageID extends MessageID with a batch index. A batchIndex of
// noBatchIndex means "not batched"; such a value compares equal to the
// plain MessageID with the same ledger/entry/partition (spec §3).
type BatchMessageID struct {
	MessageID
	BatchIndex int32
}

// NewMessageID builds a non-batched identifier.
func NewMessageID(ledgerID, entryID int64, partitionID int32) MessageID {
	return MessageID{LedgerID: ledgerID, EntryID: entryID, PartitionID: partitionID}
}

// NewBatchMessageID builds a batched identifier.
func NewBatchMessageID(ledgerID, entryID int64, partitionID, batchIndex int32) BatchMessageID {
	return BatchMessageID{
		MessageID:  MessageID{LedgerID: ledgerID, EntryID: entryID, PartitionID: partitionID},
		BatchIndex: batchIndex,
	}
}

// IsBatched reports whether this id carries a real batch index.
func (id BatchMessageID) IsBatched() bool {
	return id.BatchIndex != noBatchIndex
}

// NonBatchKey returns the MessageID this batched id's entry is keyed
// under in the BatchAckTracker (spec §3: "the tracker keys on that
// non-batch form").
func (id BatchMessageID) NonBatchKey() MessageID {
	return id.MessageID
}

func (id MessageID) String() string {
	return fmt.Sprintf("%d:%d:%d", id.LedgerID, id.EntryID, id.PartitionID)
}

func (id BatchMessageID) String() string {
	if !id.IsBatched() {
		return id.MessageID.String()
	}
	return fmt.Sprintf("%d:%d:%d:%d", id.LedgerID, id.EntryID, id.PartitionID, id.BatchIndex)
}

// Compare returns -1, 0, or 1 as id is less than, equal to, or greater
// than other, lexicographically on (ledger, entry, partition).
func (id MessageID) Compare(other MessageID) int {
	switch {
	case id.LedgerID != other.LedgerID:
		return cmpInt64(id.LedgerID, other.LedgerID)
	case id.EntryID != other.EntryID:
		return cmpInt64(id.EntryID, other.EntryID)
	default:
		return cmpInt32(id.PartitionID, other.PartitionID)
	}
}

func (id MessageID) Less(other MessageID) bool         { return id.Compare(other) < 0 }
func (id MessageID) Equal(other MessageID) bool        { return id.Compare(other) == 0 }
func (id MessageID) Greater(other MessageID) bool      { return id.Compare(other) > 0 }
func (id MessageID) GreaterEqual(other MessageID) bool { return id.Compare(other) >= 0 }

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt32(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// orderedMessageID adapts MessageID to internal.OrderedID so it can be
// tracked by UnackedMessageTracker without that package depending on
// this one.
type orderedMessageID struct {
	id MessageID
}

func asOrderedID(id MessageID) internal.OrderedID {
	return orderedMessageID{id: id}
}

func (o orderedMessageID) Less(other internal.OrderedID) bool {
	return o.id.Less(other.(orderedMessageID).id)
}

func (o orderedMessageID) Equal(other internal.OrderedID) bool {
	return o.id.Equal(other.(orderedMessageID).id)
}
