package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/datagrid/internal/codec"
	apperrors "github.com/devrev/datagrid/internal/errors"
	"github.com/devrev/datagrid/internal/metrics"
	"github.com/devrev/datagrid/internal/model"
	"github.com/devrev/datagrid/internal/partition"
	"github.com/devrev/datagrid/internal/transport"
	"github.com/devrev/datagrid/internal/util/workerpool"
)

// batchOpType is the wire name of the built-in fan-out batch operation.
const batchOpType = "dispatch.partition_batch"

// PartitionRouter is the read-only partition ownership view consumed by the
// dispatch core.
type PartitionRouter interface {
	Partition(id int32) *partition.Info
	OwnerOf(id int32) model.Address
	ReplicaAddress(id, replicaIndex int32) model.Address
	Count() int32
}

// Membership is the cluster membership view consumed by the dispatch core.
type Membership interface {
	Size() int
	IsMember(addr model.Address) bool
}

// NodeAware operations receive the executing node service before they run,
// so they can recurse into dispatch.
type NodeAware interface {
	SetNodeService(ns *NodeService)
}

// ServiceAware operations receive their owning service (resolved by the
// header's service name) before they run.
type ServiceAware interface {
	SetService(svc any)
}

// Config holds dispatch configuration
type Config struct {
	DefaultTryCount    int
	DefaultTryPause    time.Duration
	InvocationTimeout  time.Duration
	BackupAckTimeout   time.Duration
	KeyLockBankSize    int
	OperationWorkers   int
	OperationQueueSize int
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.DefaultTryCount <= 0 {
		out.DefaultTryCount = 1
	}
	if out.DefaultTryPause <= 0 {
		out.DefaultTryPause = 100 * time.Millisecond
	}
	if out.InvocationTimeout <= 0 {
		out.InvocationTimeout = 30 * time.Second
	}
	if out.BackupAckTimeout <= 0 {
		out.BackupAckTimeout = 5 * time.Second
	}
	if out.KeyLockBankSize <= 0 {
		out.KeyLockBankSize = 1024
	}
	return &out
}

// NodeService is the per-node operation dispatch runtime: it owns the call
// registry, the key lock bank, and the execution pool, and is constructed
// once and threaded through every request-handling path.
type NodeService struct {
	cfg        *Config
	self       model.Address
	router     PartitionRouter
	membership Membership
	transport  transport.Transport
	codec      codec.Codec
	types      *codec.Registry
	registry   *Registry
	calls      *CallRegistry
	keyLocks   []sync.Mutex
	pool       *workerpool.Pool
	metrics    *metrics.Metrics
	logger     *zap.Logger
	closed     atomic.Bool
}

// NewNodeService creates the dispatch runtime. metrics may be nil.
func NewNodeService(
	cfg *Config,
	self model.Address,
	router PartitionRouter,
	membership Membership,
	tp transport.Transport,
	cdc codec.Codec,
	types *codec.Registry,
	m *metrics.Metrics,
	logger *zap.Logger,
) *NodeService {
	cfg = cfg.withDefaults()

	ns := &NodeService{
		cfg:        cfg,
		self:       self,
		router:     router,
		membership: membership,
		transport:  tp,
		codec:      cdc,
		types:      types,
		registry:   NewRegistry(logger),
		keyLocks:   make([]sync.Mutex, cfg.KeyLockBankSize),
		metrics:    m,
		logger:     logger,
	}
	ns.calls = NewCallRegistry(m, logger)
	ns.pool = workerpool.New(&workerpool.Config{
		Name:      "operations",
		Workers:   cfg.OperationWorkers,
		QueueSize: cfg.OperationQueueSize,
	}, logger)

	types.Register(batchOpType, func() model.Operation { return &partitionBatchOperation{} })

	return ns
}

// Self returns this node's grid address
func (s *NodeService) Self() model.Address {
	return s.self
}

// Services returns the pluggable service registry.
func (s *NodeService) Services() *Registry {
	return s.registry
}

// PendingCalls returns the number of outstanding remote calls.
func (s *NodeService) PendingCalls() int {
	return s.calls.Pending()
}

// PoolStats returns the execution pool counters.
func (s *NodeService) PoolStats() workerpool.Stats {
	return s.pool.Stats()
}

// OnMemberLeft fails every pending call targeting the departed member, so no
// invocation waits past a peer departure.
func (s *NodeService) OnMemberLeft(addr model.Address) {
	s.calls.OnDisconnect(addr)
}

// HandlePacket routes one inbound wire unit: responses complete their pending
// call, operations are decoded and executed on the worker pool.
func (s *NodeService) HandlePacket(pkt *model.Packet) {
	if s.closed.Load() {
		return
	}

	switch pkt.Kind {
	case model.PacketResponse:
		if s.metrics != nil {
			s.metrics.PacketsReceivedTotal.WithLabelValues("response").Inc()
		}
		var resp model.Response
		if err := s.codec.Decode(pkt.Payload, &resp); err != nil {
			s.logger.Error("Failed to decode response packet", zap.Error(err))
			return
		}
		s.calls.Notify(&resp)

	case model.PacketOperation:
		if s.metrics != nil {
			s.metrics.PacketsReceivedTotal.WithLabelValues("operation").Inc()
		}
		err := s.pool.Submit(workerpool.Task{
			Name: pkt.OpType,
			Fn: func(ctx context.Context) error {
				s.executeInbound(ctx, pkt)
				return nil
			},
		})
		if err != nil {
			s.logger.Error("Failed to submit inbound operation",
				zap.String("op_type", pkt.OpType),
				zap.Error(err))
		}

	default:
		s.logger.Warn("Dropping packet of unknown kind", zap.Uint8("kind", uint8(pkt.Kind)))
	}
}

// executeInbound decodes an operation packet, attaches its dispatch context
// and a remote responder, and runs it through the executor.
func (s *NodeService) executeInbound(ctx context.Context, pkt *model.Packet) {
	op, err := s.decodeOperation(pkt.OpType, pkt.Payload)
	if err != nil {
		s.logger.Error("Failed to decode inbound operation",
			zap.String("op_type", pkt.OpType),
			zap.Error(err))
		if pkt.CallID > 0 {
			s.sendResponse(pkt.CallID, pkt.Caller, apperrors.Internal("failed to decode operation", err))
		}
		return
	}

	h := op.Header()
	h.Partition = pkt.Partition
	h.Caller = pkt.Caller
	h.CallID = pkt.CallID

	callID, caller := pkt.CallID, pkt.Caller
	var responder model.ResponseHandler
	if callID > 0 {
		responder = func(v any) {
			s.sendResponse(callID, caller, v)
		}
	}
	h.PrepareDispatch(responder)

	s.executeOperation(ctx, op)
}

// RunLocally executes an operation inline on the caller's goroutine.
func (s *NodeService) RunLocally(ctx context.Context, op model.Operation) {
	s.executeOperation(ctx, op)
}

// decodeOperation builds a concrete operation from its wire form.
func (s *NodeService) decodeOperation(opType string, payload []byte) (model.Operation, error) {
	op, err := s.types.New(opType)
	if err != nil {
		return nil, err
	}
	if err := s.codec.Decode(payload, op); err != nil {
		return nil, err
	}
	return op, nil
}

// cloneOperation makes an independent copy of op through the codec, so the
// same logical operation can be dispatched to several targets concurrently.
func (s *NodeService) cloneOperation(op model.Operation) (model.Operation, error) {
	name, err := s.types.NameOf(op)
	if err != nil {
		return nil, err
	}
	payload, err := s.codec.Encode(op)
	if err != nil {
		return nil, err
	}
	return s.decodeOperation(name, payload)
}

// sendOperation encodes op and transmits it to target.
func (s *NodeService) sendOperation(op model.Operation, target model.Address) error {
	name, err := s.types.NameOf(op)
	if err != nil {
		return apperrors.Internal("cannot send operation", err)
	}
	payload, err := s.codec.Encode(op)
	if err != nil {
		return apperrors.Internal("cannot encode operation", err)
	}

	h := op.Header()
	pkt := &model.Packet{
		Kind:      model.PacketOperation,
		Service:   h.Service,
		OpType:    name,
		Payload:   payload,
		Partition: h.Partition,
		CallID:    h.CallID,
		Caller:    s.self,
	}
	if err := s.transport.Send(pkt, target); err != nil {
		if s.metrics != nil {
			s.metrics.SendFailuresTotal.Inc()
		}
		return apperrors.SendFailed(target.String(), err)
	}
	if s.metrics != nil {
		s.metrics.PacketsSentTotal.WithLabelValues("operation").Inc()
	}
	return nil
}

// sendResponse transmits a call result back to its caller.
func (s *NodeService) sendResponse(callID int64, caller model.Address, v any) {
	resp := model.Response{CallID: callID}
	if err, ok := v.(error); ok {
		resp.ErrCode = int32(apperrors.CodeOf(err))
		resp.ErrMsg = err.Error()
	} else {
		resp.Value = v
	}

	payload, err := s.codec.Encode(&resp)
	if err != nil {
		s.logger.Error("Failed to encode response", zap.Int64("call_id", callID), zap.Error(err))
		return
	}
	pkt := &model.Packet{
		Kind:    model.PacketResponse,
		Payload: payload,
		CallID:  callID,
		Caller:  s.self,
	}
	if err := s.transport.Send(pkt, caller); err != nil {
		if s.metrics != nil {
			s.metrics.SendFailuresTotal.Inc()
		}
		s.logger.Warn("Failed to send response",
			zap.Int64("call_id", callID),
			zap.String("caller", caller.String()),
			zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.PacketsSentTotal.WithLabelValues("response").Inc()
	}
}

// Shutdown stops accepting work, fails pending calls, and drains the pool.
func (s *NodeService) Shutdown(timeout time.Duration) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Node service shutting down")
	s.registry.StopAll()
	s.calls.FailAll(apperrors.ShuttingDown())
	return s.pool.Stop(timeout)
}
