package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/datagrid/internal/codec"
	apperrors "github.com/devrev/datagrid/internal/errors"
	"github.com/devrev/datagrid/internal/model"
	"github.com/devrev/datagrid/internal/partition"
)

const testKVService = "test.kv"

// fabric is an in-memory packet network connecting the nodes of a test grid.
// Links can be failed or blackholed per target to exercise retry paths.
type fabric struct {
	mu        sync.Mutex
	nodes     map[model.Address]*NodeService
	failSends map[model.Address]int // remaining forced failures, -1 = forever
	blackhole map[model.Address]bool
	attempts  map[model.Address]int
	opSends   map[string]int
}

func newFabric() *fabric {
	return &fabric{
		nodes:     make(map[model.Address]*NodeService),
		failSends: make(map[model.Address]int),
		blackhole: make(map[model.Address]bool),
		attempts:  make(map[model.Address]int),
		opSends:   make(map[string]int),
	}
}

func (f *fabric) failLink(target model.Address, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSends[target] = times
}

func (f *fabric) blackholeLink(target model.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blackhole[target] = true
}

func (f *fabric) attemptsTo(target model.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[target]
}

func (f *fabric) operationSends(opType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opSends[opType]
}

// fabricTransport is one node's view of the fabric.
type fabricTransport struct {
	f    *fabric
	self model.Address
}

func (t *fabricTransport) Send(pkt *model.Packet, target model.Address) error {
	f := t.f
	f.mu.Lock()
	f.attempts[target]++
	if n, ok := f.failSends[target]; ok && n != 0 {
		if n > 0 {
			f.failSends[target] = n - 1
		}
		f.mu.Unlock()
		return fmt.Errorf("link to %s is down", target)
	}
	if pkt.Kind == model.PacketOperation {
		f.opSends[pkt.OpType]++
	}
	drop := f.blackhole[target]
	peer := f.nodes[target]
	f.mu.Unlock()

	if drop {
		return nil
	}
	if peer == nil {
		return fmt.Errorf("no route to %s", target)
	}

	// packets are copied so peers never share memory
	data, err := json.Marshal(pkt)
	if err != nil {
		return err
	}
	var cp model.Packet
	if err := json.Unmarshal(data, &cp); err != nil {
		return err
	}
	go peer.HandlePacket(&cp)
	return nil
}

// testMembership is a fixed member set.
type testMembership struct {
	mu      sync.RWMutex
	members map[model.Address]bool
}

func newTestMembership(addrs ...model.Address) *testMembership {
	m := &testMembership{members: make(map[model.Address]bool)}
	for _, a := range addrs {
		m.members[a] = true
	}
	return m
}

func (m *testMembership) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

func (m *testMembership) IsMember(addr model.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[addr]
}

func (m *testMembership) remove(addr model.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, addr)
}

// kvStore is the backing state of the test grid service, one per node.
type kvStore struct {
	mu   sync.Mutex
	data map[string]int64
}

func newKVStore() *kvStore {
	return &kvStore{data: make(map[string]int64)}
}

func (s *kvStore) add(key string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] += delta
	return s.data[key]
}

func (s *kvStore) get(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key]
}

func (s *kvStore) set(key string, v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = v
}

// testGrid is a cluster of NodeServices wired over a fabric with a shared
// partition table.
type testGrid struct {
	fabric     *fabric
	table      *partition.Table
	membership *testMembership
	addrs      []model.Address
	nodes      []*NodeService
	stores     []*kvStore
}

func newTestGrid(t *testing.T, nodeCount, partitionCount int) *testGrid {
	t.Helper()
	logger := zap.NewNop()

	g := &testGrid{
		fabric: newFabric(),
		table:  partition.NewTable(partitionCount, logger),
	}
	for i := 0; i < nodeCount; i++ {
		g.addrs = append(g.addrs, model.Address(fmt.Sprintf("10.0.0.%d:5701", i+1)))
	}
	g.membership = newTestMembership(g.addrs...)
	g.table.Rebuild(g.addrs)

	cfg := &Config{
		DefaultTryCount:    1,
		DefaultTryPause:    10 * time.Millisecond,
		InvocationTimeout:  2 * time.Second,
		BackupAckTimeout:   500 * time.Millisecond,
		KeyLockBankSize:    64,
		OperationWorkers:   8,
		OperationQueueSize: 64,
	}

	for _, addr := range g.addrs {
		types := codec.NewRegistry()
		registerTestOps(types)

		ns := NewNodeService(cfg, addr, g.table, g.membership,
			&fabricTransport{f: g.fabric, self: addr}, codec.JSON{}, types, nil, logger)

		store := newKVStore()
		require.NoError(t, ns.Services().Register(testKVService, store))

		g.fabric.nodes[addr] = ns
		g.nodes = append(g.nodes, ns)
		g.stores = append(g.stores, store)
	}
	t.Cleanup(func() {
		for _, ns := range g.nodes {
			_ = ns.Shutdown(time.Second)
		}
	})
	return g
}

// node returns the NodeService at addr.
func (g *testGrid) node(addr model.Address) *NodeService {
	for i, a := range g.addrs {
		if a == addr {
			return g.nodes[i]
		}
	}
	return nil
}

// store returns the kv store of the node at addr.
func (g *testGrid) store(addr model.Address) *kvStore {
	for i, a := range g.addrs {
		if a == addr {
			return g.stores[i]
		}
	}
	return nil
}

// partitionOwnedBy returns some partition whose owner is addr.
func (g *testGrid) partitionOwnedBy(t *testing.T, addr model.Address) int32 {
	t.Helper()
	for pid := int32(0); pid < g.table.Count(); pid++ {
		if g.table.OwnerOf(pid) == addr {
			return pid
		}
	}
	t.Fatalf("no partition owned by %s", addr)
	return -1
}

func registerTestOps(types *codec.Registry) {
	types.Register("test.echo", func() model.Operation { return &echoOperation{} })
	types.Register("test.add", func() model.Operation { return &addOperation{} })
	types.Register("test.backup_add", func() model.Operation { return &backupAddOperation{} })
	types.Register("test.rmw", func() model.Operation { return &rmwOperation{} })
	types.Register("test.partition_id", func() model.Operation { return &partitionIDOperation{} })
}

// echoOperation returns its text; flags are chosen per test.
type echoOperation struct {
	Hdr  model.Header `json:"hdr"`
	Text string       `json:"text"`
}

func newEchoOperation(text string, flags model.Flags) *echoOperation {
	op := &echoOperation{Text: text}
	op.Hdr.Flags = flags
	return op
}

func (o *echoOperation) Header() *model.Header { return &o.Hdr }

func (o *echoOperation) Run(ctx context.Context) (any, error) {
	return o.Text, nil
}

// addOperation is the canonical keyed, backup-aware grid mutation.
type addOperation struct {
	Hdr     model.Header `json:"hdr"`
	Key     string       `json:"key"`
	Delta   int64        `json:"delta"`
	Backups int          `json:"backups"`
	Sync    bool         `json:"sync"`

	store *kvStore
}

func newAddOperation(key string, delta int64, backups int, sync bool) *addOperation {
	op := &addOperation{Key: key, Delta: delta, Backups: backups, Sync: sync}
	op.Hdr.Flags = model.FlagPartitionScoped
	return op
}

func (o *addOperation) Header() *model.Header { return &o.Hdr }
func (o *addOperation) KeyHash() uint64       { return xxhash.Sum64String(o.Key) }
func (o *addOperation) SetService(svc any)    { o.store, _ = svc.(*kvStore) }

func (o *addOperation) Run(ctx context.Context) (any, error) {
	if o.store == nil {
		return nil, fmt.Errorf("kv store not bound")
	}
	return o.store.add(o.Key, o.Delta), nil
}

func (o *addOperation) BackupOperation() model.Operation {
	if o.Backups <= 0 {
		return nil
	}
	b := &backupAddOperation{Key: o.Key, Delta: o.Delta}
	b.Hdr.Flags = model.FlagPartitionScoped | model.FlagBackup
	return b
}

func (o *addOperation) BackupCount() int { return o.Backups }
func (o *addOperation) SyncBackup() bool { return o.Sync }

// backupAddOperation replays an add on a backup replica.
type backupAddOperation struct {
	Hdr   model.Header `json:"hdr"`
	Key   string       `json:"key"`
	Delta int64        `json:"delta"`

	store *kvStore
}

func (o *backupAddOperation) Header() *model.Header { return &o.Hdr }
func (o *backupAddOperation) SetService(svc any)    { o.store, _ = svc.(*kvStore) }

func (o *backupAddOperation) Run(ctx context.Context) (any, error) {
	if o.store == nil {
		return nil, fmt.Errorf("kv store not bound")
	}
	o.store.add(o.Key, o.Delta)
	return nil, nil
}

// rmwOperation is a deliberately racy read-modify-write: without per-key
// serialization, concurrent runs lose updates.
type rmwOperation struct {
	Hdr   model.Header `json:"hdr"`
	Key   string       `json:"key"`
	Delta int64        `json:"delta"`

	store *kvStore
}

func newRMWOperation(key string, delta int64) *rmwOperation {
	op := &rmwOperation{Key: key, Delta: delta}
	op.Hdr.Flags = model.FlagPartitionScoped
	return op
}

func (o *rmwOperation) Header() *model.Header { return &o.Hdr }
func (o *rmwOperation) KeyHash() uint64       { return xxhash.Sum64String(o.Key) }
func (o *rmwOperation) SetService(svc any)    { o.store, _ = svc.(*kvStore) }

func (o *rmwOperation) Run(ctx context.Context) (any, error) {
	if o.store == nil {
		return nil, fmt.Errorf("kv store not bound")
	}
	v := o.store.get(o.Key)
	time.Sleep(2 * time.Millisecond)
	o.store.set(o.Key, v+o.Delta)
	return v + o.Delta, nil
}

// partitionIDOperation reports which partition it ran against.
type partitionIDOperation struct {
	Hdr model.Header `json:"hdr"`
}

func newPartitionIDOperation() *partitionIDOperation {
	op := &partitionIDOperation{}
	op.Hdr.Flags = model.FlagPartitionScoped
	return op
}

func (o *partitionIDOperation) Header() *model.Header { return &o.Hdr }

func (o *partitionIDOperation) Run(ctx context.Context) (any, error) {
	return fmt.Sprintf("p%d", o.Hdr.Partition), nil
}

func TestNodeService_RemoteInvocation_EndToEnd(t *testing.T) {
	grid := newTestGrid(t, 2, 4)
	a, b := grid.nodes[0], grid.addrs[1]

	inv, err := a.InvocationBuilder(testKVService, newEchoOperation("hello", 0), model.NoPartition).
		WithTarget(b).
		Build()
	require.NoError(t, err)

	v, err := inv.Invoke(context.Background()).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, 0, a.PendingCalls())
}

func TestNodeService_KeyedMutation_RoutedToOwner(t *testing.T) {
	grid := newTestGrid(t, 3, 9)
	caller := grid.nodes[0]

	pid := grid.partitionOwnedBy(t, grid.addrs[2])
	inv, err := caller.InvocationBuilder(testKVService, newAddOperation("k", 5, 0, false), pid).Build()
	require.NoError(t, err)

	v, err := inv.Invoke(context.Background()).Get(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)
	assert.EqualValues(t, 5, grid.store(grid.addrs[2]).get("k"))
}

func TestNodeService_UnknownOperationType_FailsCaller(t *testing.T) {
	grid := newTestGrid(t, 2, 4)
	a, b := grid.nodes[0], grid.addrs[1]

	// a packet the receiver cannot decode must still produce an error
	// response, not a hung call
	payload, err := codec.JSON{}.Encode(newEchoOperation("?", 0))
	require.NoError(t, err)

	call := &Call{Target: b, inv: mustBuildInvocation(t, a, newEchoOperation("?", 0))}
	id := a.calls.Register(call)
	pkt := &model.Packet{
		Kind:    model.PacketOperation,
		OpType:  "test.mystery.unknown",
		Payload: payload,
		CallID:  id,
		Caller:  a.Self(),
	}
	require.NoError(t, a.transport.Send(pkt, b))

	_, err = call.inv.future.GetWithTimeout(context.Background(), time.Second)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.CodeOf(err))
}

func TestNodeService_Shutdown_FailsPendingCalls(t *testing.T) {
	grid := newTestGrid(t, 2, 4)
	a, b := grid.nodes[0], grid.addrs[1]

	grid.fabric.blackholeLink(b)

	inv, err := a.InvocationBuilder(testKVService, newEchoOperation("lost", 0), model.NoPartition).
		WithTarget(b).
		WithTimeout(10 * time.Second).
		Build()
	require.NoError(t, err)
	future := inv.Invoke(context.Background())

	require.Equal(t, 1, a.PendingCalls())
	require.NoError(t, a.Shutdown(time.Second))

	_, err = future.GetWithTimeout(context.Background(), time.Second)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeShuttingDown, apperrors.CodeOf(err))
	assert.Equal(t, 0, a.PendingCalls())
}

func TestNodeService_OnMemberLeft_FailsCallsToDepartedMember(t *testing.T) {
	grid := newTestGrid(t, 3, 9)
	a, b, c := grid.nodes[0], grid.addrs[1], grid.addrs[2]

	grid.fabric.blackholeLink(b)
	grid.fabric.blackholeLink(c)

	invB, err := a.InvocationBuilder(testKVService, newEchoOperation("b", 0), model.NoPartition).
		WithTarget(b).WithTimeout(10 * time.Second).Build()
	require.NoError(t, err)
	invC, err := a.InvocationBuilder(testKVService, newEchoOperation("c", 0), model.NoPartition).
		WithTarget(c).WithTimeout(10 * time.Second).Build()
	require.NoError(t, err)

	futureB := invB.Invoke(context.Background())
	futureC := invC.Invoke(context.Background())
	require.Equal(t, 2, a.PendingCalls())

	a.OnMemberLeft(b)

	_, err = futureB.GetWithTimeout(context.Background(), time.Second)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotAMember, apperrors.CodeOf(err))

	assert.False(t, futureC.Done())
	assert.Equal(t, 1, a.PendingCalls())
}

func TestNodeService_RunLocally_DeliversThroughResponder(t *testing.T) {
	grid := newTestGrid(t, 1, 4)
	ns := grid.nodes[0]

	op := newEchoOperation("inline", 0)
	var got any
	op.Header().PrepareDispatch(func(v any) { got = v })

	ns.RunLocally(context.Background(), op)
	assert.Equal(t, "inline", got)
}

func mustBuildInvocation(t *testing.T, ns *NodeService, op model.Operation) *Invocation {
	t.Helper()
	inv, err := ns.InvocationBuilder(testKVService, op, model.NoPartition).Build()
	require.NoError(t, err)
	return inv
}
