package model

import (
	"context"
	"sync/atomic"
)

// Flags describe how the dispatcher must schedule an operation.
type Flags uint8

const (
	// FlagPartitionScoped marks an operation that must run under its
	// partition's lock.
	FlagPartitionScoped Flags = 1 << iota
	// FlagWrite marks a write-class operation that takes the exclusive
	// partition lock instead of the shared one.
	FlagWrite
	// FlagBackup marks a replica replay of a primary mutation. Backups skip
	// the key lock and the replica-ownership check.
	FlagBackup
	// FlagSkipTargetCheck suppresses replica-ownership validation for
	// operations that are allowed to run on any member.
	FlagSkipTargetCheck
)

// Has reports whether all bits of flag are set.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// NoPartition is the partition id of operations that are not bound to a
// partition.
const NoPartition int32 = -1

// ResponseHandler receives the final result of an executed operation. The
// value is either the operation's result or an error.
type ResponseHandler func(v any)

// Header carries the dispatch context of an operation. It is populated by the
// invocation at dispatch time and travels with the operation on the wire.
// The responder and the delivery guard are local-only.
type Header struct {
	Service   string  `json:"service"`
	Partition int32   `json:"partition"`
	Replica   int32   `json:"replica"`
	Caller    Address `json:"caller,omitempty"`
	CallID    int64   `json:"call_id"`
	Flags     Flags   `json:"flags"`

	Responder ResponseHandler `json:"-"`

	responded atomic.Bool
}

// SendResponse delivers v to the installed responder. Only the first call has
// an effect; every executed operation responds exactly once.
func (h *Header) SendResponse(v any) {
	if !h.responded.CompareAndSwap(false, true) {
		return
	}
	if h.Responder != nil {
		h.Responder(v)
	}
}

// PrepareDispatch installs the responder for a new dispatch attempt and
// re-arms the exactly-once delivery guard.
func (h *Header) PrepareDispatch(responder ResponseHandler) {
	h.Responder = responder
	h.responded.Store(false)
}

// Responded reports whether the response has already been delivered.
func (h *Header) Responded() bool {
	return h.responded.Load()
}

// Operation is a unit of work dispatched to the owner of a partition, a
// specific replica, or an explicit target. Implementations embed a Header and
// return it from Header().
type Operation interface {
	Header() *Header
	Run(ctx context.Context) (any, error)
}

// KeyedOperation is an operation scoped to a single key. Keyed non-backup
// operations are serialized per key-hash on the executing node.
type KeyedOperation interface {
	Operation
	KeyHash() uint64
}

// BackupAwareOperation is a mutation that produces a companion operation to
// be replayed on backup replicas.
type BackupAwareOperation interface {
	Operation
	// BackupOperation returns the companion backup operation, or nil when
	// there is nothing to replicate.
	BackupOperation() Operation
	// BackupCount returns the desired number of backup replicas.
	BackupCount() int
	// SyncBackup reports whether backups must be acknowledged before the
	// primary result is delivered.
	SyncBackup() bool
}
