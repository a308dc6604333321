package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/devrev/datagrid/internal/errors"
	"github.com/devrev/datagrid/internal/model"
)

// clampBackupCount bounds the requested backup count by the number of other
// members: replication is best-effort and never waits on replicas that
// cannot exist.
func (s *NodeService) clampBackupCount(backupCount int) int {
	if max := s.membership.Size() - 1; backupCount > max {
		backupCount = max
	}
	return backupCount
}

// TakeBackups replicates op to the backup replicas of partitionID and waits
// up to timeout for each acknowledgment. Unassigned or self-pointing replicas
// are skipped: under-replication is tolerated, not fatal. Any missing or
// failed ack surfaces as a Timeout; already-applied backups are not rolled
// back.
func (s *NodeService) TakeBackups(ctx context.Context, serviceName string, op model.Operation, partitionID int32, backupCount int, timeout time.Duration) error {
	backupCount = s.clampBackupCount(backupCount)
	if backupCount <= 0 {
		return nil
	}

	futures := make([]*Future, 0, backupCount)
	for i := 1; i <= backupCount; i++ {
		replicaIndex := int32(i)
		target := s.router.ReplicaAddress(partitionID, replicaIndex)
		if target.IsZero() || target == s.self {
			continue
		}

		// Each replica gets its own copy: invocations own their operation's
		// dispatch context.
		clone, err := s.cloneOperation(op)
		if err != nil {
			return apperrors.Internal("failed to clone backup operation", err)
		}
		inv, err := s.InvocationBuilder(serviceName, clone, partitionID).
			WithReplicaIndex(replicaIndex).
			Build()
		if err != nil {
			return err
		}
		futures = append(futures, inv.Invoke(ctx))
		if s.metrics != nil {
			s.metrics.SyncBackupsTotal.Inc()
		}
	}

	for _, f := range futures {
		if _, err := f.GetWithTimeout(ctx, timeout); err != nil {
			if s.metrics != nil {
				s.metrics.BackupTimeoutsTotal.Inc()
			}
			// Every failed ack maps to the terminal Timeout: the primary
			// mutation is already applied and must not be retried.
			return apperrors.Timeout("backup acknowledgment", timeout)
		}
	}
	return nil
}

// SendBackups replicates op to the backup replicas of partitionID
// fire-and-forget: the operation is encoded once and transmitted per replica
// with no call registration, no acknowledgment, and no retry.
func (s *NodeService) SendBackups(serviceName string, op model.Operation, partitionID int32, backupCount int) {
	backupCount = s.clampBackupCount(backupCount)
	if backupCount <= 0 {
		return
	}

	h := op.Header()
	h.Service = serviceName
	h.Partition = partitionID
	h.Caller = s.self
	h.CallID = 0

	name, err := s.types.NameOf(op)
	if err != nil {
		s.logger.Error("Cannot send backups for unregistered operation type", zap.Error(err))
		return
	}
	payload, err := s.codec.Encode(op)
	if err != nil {
		s.logger.Error("Failed to encode backup operation", zap.Error(err))
		return
	}

	for i := 1; i <= backupCount; i++ {
		target := s.router.ReplicaAddress(partitionID, int32(i))
		if target.IsZero() || target == s.self {
			continue
		}
		pkt := &model.Packet{
			Kind:      model.PacketOperation,
			Service:   serviceName,
			OpType:    name,
			Payload:   payload,
			Partition: partitionID,
			Caller:    s.self,
		}
		if err := s.transport.Send(pkt, target); err != nil {
			s.logger.Warn("Failed to send async backup",
				zap.Int32("partition", partitionID),
				zap.String("target", target.String()),
				zap.Error(err))
			continue
		}
		if s.metrics != nil {
			s.metrics.AsyncBackupsTotal.Inc()
			s.metrics.PacketsSentTotal.WithLabelValues("operation").Inc()
		}
	}
}
