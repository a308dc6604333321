package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/devrev/datagrid/internal/errors"
	"github.com/devrev/datagrid/internal/model"
	"github.com/devrev/datagrid/internal/partition"
)

type ctxKey int

const currentOpKey ctxKey = iota

// CurrentOperation returns the operation executing in this context, or nil.
// The marker is carried explicitly in the context so nested dispatches can be
// detected without thread-local state.
func CurrentOperation(ctx context.Context) model.Operation {
	op, _ := ctx.Value(currentOpKey).(model.Operation)
	return op
}

func withCurrentOperation(ctx context.Context, op model.Operation) context.Context {
	return context.WithValue(ctx, currentOpKey, op)
}

// executeOperation drives one operation through its lifecycle: attach
// context, acquire partition and key locks, run, propagate backups, respond.
// Failures at any step become the delivered result, and held locks are always
// released in key-then-partition order.
func (s *NodeService) executeOperation(ctx context.Context, op model.Operation) {
	h := op.Header()
	ctx = withCurrentOperation(ctx, op)
	start := time.Now()

	var (
		part      *partition.Info
		writeHeld bool
		readHeld  bool
		keyLock   *sync.Mutex
	)
	defer func() {
		if keyLock != nil {
			keyLock.Unlock()
		}
		if writeHeld {
			part.ReleaseWrite()
		} else if readHeld {
			part.ReleaseRead()
		}
		if s.metrics != nil {
			s.metrics.OperationDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if na, ok := op.(NodeAware); ok {
		na.SetNodeService(s)
	}
	if sa, ok := op.(ServiceAware); ok && h.Service != "" {
		svc, ok := s.registry.Lookup(h.Service)
		if !ok {
			s.failOperation(op, apperrors.Internal(fmt.Sprintf("unknown service %q", h.Service), nil))
			return
		}
		sa.SetService(svc)
	}

	if h.Flags.Has(model.FlagPartitionScoped) {
		if h.Partition < 0 || h.Partition >= s.router.Count() {
			s.failOperation(op, apperrors.InvalidPartition(h.Partition, fmt.Sprintf("%T", op)))
			return
		}
		part = s.router.Partition(h.Partition)

		if h.Flags.Has(model.FlagWrite) {
			lockStart := time.Now()
			part.AcquireWrite()
			writeHeld = true
			if s.metrics != nil {
				s.metrics.PartitionLockWaits.Observe(time.Since(lockStart).Seconds())
			}
		} else {
			// A failed try means a migration holds the exclusive side:
			// fail fast, never queue behind it.
			if !part.TryAcquireRead() {
				s.failOperation(op, apperrors.PartitionMigrating(s.self.String(), h.Partition, h.Service))
				return
			}
			readHeld = true

			if !h.Flags.Has(model.FlagBackup) && !h.Flags.Has(model.FlagSkipTargetCheck) {
				expected := part.ReplicaAddress(h.Replica)
				if expected != s.self {
					s.failOperation(op, apperrors.WrongTarget(
						s.self.String(), expected.String(), h.Partition, h.Replica, h.Service))
					return
				}
			}

			// Keyed work is serialized through the hashed lock bank, nested
			// inside the shared partition lock.
			if keyed, ok := op.(model.KeyedOperation); ok && !h.Flags.Has(model.FlagBackup) {
				keyLock = &s.keyLocks[keyed.KeyHash()%uint64(len(s.keyLocks))]
				keyLock.Lock()
			}
		}
	}

	result, err := op.Run(ctx)
	if err != nil {
		s.failOperation(op, err)
		return
	}

	if ba, ok := op.(model.BackupAwareOperation); ok {
		if berr := s.propagateBackups(ctx, ba); berr != nil {
			s.failOperation(op, berr)
			return
		}
	}

	if s.metrics != nil {
		s.metrics.OperationsExecutedTotal.WithLabelValues("ok").Inc()
	}
	h.SendResponse(result)
}

// failOperation logs the failure and delivers it as the operation's result.
// Retryable failures are expected and transient, so they log low.
func (s *NodeService) failOperation(op model.Operation, err error) {
	h := op.Header()
	if apperrors.Retryable(err) {
		s.logger.Debug("Operation failed with retryable error",
			zap.String("service", h.Service),
			zap.Int32("partition", h.Partition),
			zap.Error(err))
	} else {
		s.logger.Error("Operation failed",
			zap.String("service", h.Service),
			zap.Int32("partition", h.Partition),
			zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.OperationsExecutedTotal.WithLabelValues("error").Inc()
	}
	h.SendResponse(err)
}

// propagateBackups replicates a backup-aware operation's mutation, either
// acknowledged within the backup timeout or fire-and-forget.
func (s *NodeService) propagateBackups(ctx context.Context, ba model.BackupAwareOperation) error {
	backupOp := ba.BackupOperation()
	if backupOp == nil {
		return nil
	}
	h := ba.Header()
	if ba.SyncBackup() {
		return s.TakeBackups(ctx, h.Service, backupOp, h.Partition, ba.BackupCount(), s.cfg.BackupAckTimeout)
	}
	s.SendBackups(h.Service, backupOp, h.Partition, ba.BackupCount())
	return nil
}
