package counter

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/devrev/datagrid/internal/codec"
	"github.com/devrev/datagrid/internal/model"
)

// ServiceName is the registered name of the counter grid service.
const ServiceName = "datagrid.counter"

// Service is a partitioned keyed counter store. Cross-key concurrency and
// per-key serialization come from the dispatch layer; the store itself only
// guards its map.
type Service struct {
	mu       sync.RWMutex
	counters map[string]int64
	logger   *zap.Logger
}

// NewService creates an empty counter service
func NewService(logger *zap.Logger) *Service {
	return &Service{
		counters: make(map[string]int64),
		logger:   logger,
	}
}

// Add applies delta to key and returns the new value.
func (s *Service) Add(key string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] += delta
	return s.counters[key]
}

// Get returns the current value of key.
func (s *Service) Get(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[key]
}

// RegisterOperations registers the counter operation types.
func RegisterOperations(types *codec.Registry) {
	types.Register("counter.add", func() model.Operation { return &AddOperation{} })
	types.Register("counter.get", func() model.Operation { return &GetOperation{} })
	types.Register("counter.backup_add", func() model.Operation { return &BackupAddOperation{} })
}

// AddOperation increments a counter on the key's partition owner and
// replicates the increment to backups.
type AddOperation struct {
	Hdr     model.Header `json:"hdr"`
	Key     string       `json:"key"`
	Delta   int64        `json:"delta"`
	Backups int          `json:"backups"`
	Sync    bool         `json:"sync"`

	svc *Service
}

// NewAddOperation creates an increment of key by delta replicated to the
// given number of backups, acknowledged when sync is true.
func NewAddOperation(key string, delta int64, backups int, sync bool) *AddOperation {
	op := &AddOperation{Key: key, Delta: delta, Backups: backups, Sync: sync}
	op.Hdr.Flags = model.FlagPartitionScoped
	return op
}

func (o *AddOperation) Header() *model.Header { return &o.Hdr }

// KeyHash implements model.KeyedOperation
func (o *AddOperation) KeyHash() uint64 { return xxhash.Sum64String(o.Key) }

// SetService implements service.ServiceAware
func (o *AddOperation) SetService(svc any) { o.svc, _ = svc.(*Service) }

// Run implements model.Operation
func (o *AddOperation) Run(ctx context.Context) (any, error) {
	if o.svc == nil {
		return nil, fmt.Errorf("counter service not bound")
	}
	return o.svc.Add(o.Key, o.Delta), nil
}

// BackupOperation implements model.BackupAwareOperation
func (o *AddOperation) BackupOperation() model.Operation {
	if o.Backups <= 0 {
		return nil
	}
	return NewBackupAddOperation(o.Key, o.Delta)
}

// BackupCount implements model.BackupAwareOperation
func (o *AddOperation) BackupCount() int { return o.Backups }

// SyncBackup implements model.BackupAwareOperation
func (o *AddOperation) SyncBackup() bool { return o.Sync }

// GetOperation reads a counter on the key's partition owner.
type GetOperation struct {
	Hdr model.Header `json:"hdr"`
	Key string       `json:"key"`

	svc *Service
}

// NewGetOperation creates a read of key.
func NewGetOperation(key string) *GetOperation {
	op := &GetOperation{Key: key}
	op.Hdr.Flags = model.FlagPartitionScoped
	return op
}

func (o *GetOperation) Header() *model.Header { return &o.Hdr }

// KeyHash implements model.KeyedOperation
func (o *GetOperation) KeyHash() uint64 { return xxhash.Sum64String(o.Key) }

// SetService implements service.ServiceAware
func (o *GetOperation) SetService(svc any) { o.svc, _ = svc.(*Service) }

// Run implements model.Operation
func (o *GetOperation) Run(ctx context.Context) (any, error) {
	if o.svc == nil {
		return nil, fmt.Errorf("counter service not bound")
	}
	return o.svc.Get(o.Key), nil
}

// BackupAddOperation replays an increment on a backup replica. It skips the
// key lock and the replica ownership check like every backup.
type BackupAddOperation struct {
	Hdr   model.Header `json:"hdr"`
	Key   string       `json:"key"`
	Delta int64        `json:"delta"`

	svc *Service
}

// NewBackupAddOperation creates the backup replay of an increment.
func NewBackupAddOperation(key string, delta int64) *BackupAddOperation {
	op := &BackupAddOperation{Key: key, Delta: delta}
	op.Hdr.Flags = model.FlagPartitionScoped | model.FlagBackup
	return op
}

func (o *BackupAddOperation) Header() *model.Header { return &o.Hdr }

// SetService implements service.ServiceAware
func (o *BackupAddOperation) SetService(svc any) { o.svc, _ = svc.(*Service) }

// Run implements model.Operation
func (o *BackupAddOperation) Run(ctx context.Context) (any, error) {
	if o.svc == nil {
		return nil, fmt.Errorf("counter service not bound")
	}
	o.svc.Add(o.Key, o.Delta)
	return nil, nil
}
