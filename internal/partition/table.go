package partition

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/devrev/datagrid/internal/model"
)

// MaxReplicaCount bounds the replica list of a partition: one owner plus up
// to six backups.
const MaxReplicaCount = 7

// Info holds one partition's ordered replica addresses (index 0 = owner) and
// its scheduling lock pair. Write-class operations hold the exclusive side;
// everything else tries the shared side and backs off while a migration holds
// the exclusive side.
type Info struct {
	id int32

	// scheduling lock, exposed through Acquire/Release methods
	mu sync.RWMutex

	// guards replicas, independent of the scheduling lock
	rmu      sync.RWMutex
	replicas []model.Address
}

// NewInfo creates a partition with an empty replica list.
func NewInfo(id int32) *Info {
	return &Info{id: id}
}

// ID returns the partition id
func (p *Info) ID() int32 {
	return p.id
}

// ReplicaAddress returns the address of the given replica index, or the zero
// address when the index is unassigned.
func (p *Info) ReplicaAddress(index int32) model.Address {
	p.rmu.RLock()
	defer p.rmu.RUnlock()

	if index < 0 || int(index) >= len(p.replicas) {
		return ""
	}
	return p.replicas[index]
}

// Owner returns the owner address (replica index 0).
func (p *Info) Owner() model.Address {
	return p.ReplicaAddress(0)
}

// SetReplicas replaces the ordered replica list.
func (p *Info) SetReplicas(replicas []model.Address) {
	p.rmu.Lock()
	defer p.rmu.Unlock()

	p.replicas = append([]model.Address(nil), replicas...)
}

// AcquireWrite takes the exclusive scheduling lock, blocking.
func (p *Info) AcquireWrite() {
	p.mu.Lock()
}

// ReleaseWrite releases the exclusive scheduling lock.
func (p *Info) ReleaseWrite() {
	p.mu.Unlock()
}

// TryAcquireRead attempts the shared scheduling lock without blocking.
// Failure means the exclusive side is held, i.e. a migration is in flight.
func (p *Info) TryAcquireRead() bool {
	return p.mu.TryRLock()
}

// ReleaseRead releases the shared scheduling lock.
func (p *Info) ReleaseRead() {
	p.mu.RUnlock()
}

// Table is the node's read-only view of partition ownership: a fixed number
// of partitions, each with an ordered replica list rebuilt from the current
// member set.
type Table struct {
	partitions []*Info
	logger     *zap.Logger
}

// NewTable creates a table with count empty partitions.
func NewTable(count int, logger *zap.Logger) *Table {
	partitions := make([]*Info, count)
	for i := range partitions {
		partitions[i] = NewInfo(int32(i))
	}
	return &Table{partitions: partitions, logger: logger}
}

// Count returns the fixed partition count
func (t *Table) Count() int32 {
	return int32(len(t.partitions))
}

// Partition returns the partition with the given id.
func (t *Table) Partition(id int32) *Info {
	return t.partitions[id]
}

// OwnerOf returns the owner address of the given partition.
func (t *Table) OwnerOf(id int32) model.Address {
	return t.partitions[id].Owner()
}

// ReplicaAddress returns the address of (partition, replica index), or the
// zero address when unassigned.
func (t *Table) ReplicaAddress(id, replicaIndex int32) model.Address {
	return t.partitions[id].ReplicaAddress(replicaIndex)
}

// PartitionForKey maps a key to its partition.
func (t *Table) PartitionForKey(key []byte) int32 {
	return int32(xxhash.Sum64(key) % uint64(len(t.partitions)))
}

// Rebuild recomputes every partition's replica list from the given member
// set. Members are sorted so all nodes derive the same layout; partition p's
// replica i is members[(p+i) mod len(members)].
func (t *Table) Rebuild(members []model.Address) {
	sorted := append([]model.Address(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	replicaCount := len(sorted)
	if replicaCount > MaxReplicaCount {
		replicaCount = MaxReplicaCount
	}

	for _, p := range t.partitions {
		if replicaCount == 0 {
			p.SetReplicas(nil)
			continue
		}
		replicas := make([]model.Address, replicaCount)
		for i := 0; i < replicaCount; i++ {
			replicas[i] = sorted[(int(p.id)+i)%len(sorted)]
		}
		p.SetReplicas(replicas)
	}

	t.logger.Info("Partition table rebuilt",
		zap.Int("partitions", len(t.partitions)),
		zap.Int("members", len(sorted)),
		zap.Int("replicas_per_partition", replicaCount))
}
