package cluster

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/datagrid/internal/model"
)

// Config holds gossip membership configuration
type Config struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// nodeMeta is gossiped with each member and carries the member's grid
// (dispatch transport) address.
type nodeMeta struct {
	GridAddr model.Address `json:"grid_addr"`
}

// Membership tracks the cluster member set via gossip and notifies listeners
// when members join or leave.
type Membership struct {
	config     *Config
	memberlist *memberlist.Memberlist
	nodeID     string
	gridAddr   model.Address
	logger     *zap.Logger

	mu             sync.RWMutex
	leaveListeners []func(model.Address)
	joinListeners  []func(model.Address)
}

// New creates the membership service and starts gossiping. Seed nodes are
// joined separately via Join so listeners can be registered first.
func New(cfg *Config, nodeID string, gridAddr model.Address, logger *zap.Logger) (*Membership, error) {
	m := &Membership{
		config:   cfg,
		nodeID:   nodeID,
		gridAddr: gridAddr,
		logger:   logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = m
	mlConfig.Events = &eventDelegate{membership: m}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.memberlist = ml

	return m, nil
}

// Join contacts the configured seed nodes.
func (m *Membership) Join() error {
	if len(m.config.SeedNodes) == 0 {
		return nil
	}
	if _, err := m.memberlist.Join(m.config.SeedNodes); err != nil {
		m.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		return err
	}
	return nil
}

// OnMemberLeave registers a listener invoked with the grid address of every
// departed member.
func (m *Membership) OnMemberLeave(f func(model.Address)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveListeners = append(m.leaveListeners, f)
}

// OnMemberJoin registers a listener invoked with the grid address of every
// newly joined member.
func (m *Membership) OnMemberJoin(f func(model.Address)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joinListeners = append(m.joinListeners, f)
}

// Size returns the current cluster size
func (m *Membership) Size() int {
	return m.memberlist.NumMembers()
}

// Members returns the grid addresses of all known members.
func (m *Membership) Members() []model.Address {
	nodes := m.memberlist.Members()
	addrs := make([]model.Address, 0, len(nodes))
	for _, node := range nodes {
		if addr := gridAddrOf(node); !addr.IsZero() {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// IsMember reports whether addr belongs to a known member.
func (m *Membership) IsMember(addr model.Address) bool {
	for _, member := range m.Members() {
		if member == addr {
			return true
		}
	}
	return false
}

// Shutdown leaves the cluster and stops gossiping.
func (m *Membership) Shutdown() error {
	if err := m.memberlist.Leave(time.Second); err != nil {
		m.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return m.memberlist.Shutdown()
}

func gridAddrOf(node *memberlist.Node) model.Address {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		return ""
	}
	return meta.GridAddr
}

// NodeMeta implements memberlist.Delegate
func (m *Membership) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(nodeMeta{GridAddr: m.gridAddr})
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (m *Membership) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (m *Membership) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (m *Membership) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (m *Membership) MergeRemoteState(buf []byte, join bool) {}

// eventDelegate handles memberlist events
type eventDelegate struct {
	membership *Membership
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	m := d.membership
	addr := gridAddrOf(node)
	m.logger.Info("Member joined",
		zap.String("node_id", node.Name),
		zap.String("grid_addr", addr.String()))

	m.mu.RLock()
	listeners := append([]func(model.Address){}, m.joinListeners...)
	m.mu.RUnlock()
	for _, f := range listeners {
		f(addr)
	}
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	m := d.membership
	addr := gridAddrOf(node)
	m.logger.Info("Member left",
		zap.String("node_id", node.Name),
		zap.String("grid_addr", addr.String()))

	m.mu.RLock()
	listeners := append([]func(model.Address){}, m.leaveListeners...)
	m.mu.RUnlock()
	for _, f := range listeners {
		f(addr)
	}
}

// NotifyUpdate is called when a node's metadata changes
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.membership.logger.Debug("Member updated", zap.String("node_id", node.Name))
}
