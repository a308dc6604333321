package service

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	apperrors "github.com/devrev/datagrid/internal/errors"
	"github.com/devrev/datagrid/internal/metrics"
	"github.com/devrev/datagrid/internal/model"
)

// Call is a tracked outstanding remote invocation: the target it was sent to
// and the invocation awaiting its result.
type Call struct {
	Target model.Address
	inv    *Invocation
}

// CallRegistry tracks outstanding remote calls by a node-local monotonically
// increasing id and matches inbound responses back to their invocations.
type CallRegistry struct {
	mu      sync.Mutex
	calls   map[int64]*Call
	idGen   atomic.Int64
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCallRegistry creates an empty call registry. m may be nil.
func NewCallRegistry(m *metrics.Metrics, logger *zap.Logger) *CallRegistry {
	return &CallRegistry{
		calls:   make(map[int64]*Call),
		metrics: m,
		logger:  logger,
	}
}

// Register allocates a new call id and tracks the call under it.
func (r *CallRegistry) Register(call *Call) int64 {
	id := r.idGen.Add(1)
	r.mu.Lock()
	r.calls[id] = call
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.PendingCalls.Inc()
	}
	return id
}

// Deregister removes and returns the call registered under id, or nil.
func (r *CallRegistry) Deregister(id int64) *Call {
	r.mu.Lock()
	call, ok := r.calls[id]
	if ok {
		delete(r.calls, id)
	}
	r.mu.Unlock()

	if ok && r.metrics != nil {
		r.metrics.PendingCalls.Dec()
	}
	return call
}

// Notify completes the call registered under the response's id. A response
// for an unknown id is dropped: it is a late or duplicate delivery, not an
// error.
func (r *CallRegistry) Notify(resp *model.Response) {
	call := r.Deregister(resp.CallID)
	if call == nil {
		if r.metrics != nil {
			r.metrics.UnknownResponses.Inc()
		}
		r.logger.Debug("Dropping response for unknown call", zap.Int64("call_id", resp.CallID))
		return
	}
	call.inv.notify(resp)
}

// OnDisconnect fails every pending call targeting the departed address with a
// retryable failure, so no invocation waits forever past a peer departure.
func (r *CallRegistry) OnDisconnect(addr model.Address) {
	r.failMatching(func(c *Call) bool { return c.Target == addr }, nil)
}

// FailAll fails every pending call with err.
func (r *CallRegistry) FailAll(err error) {
	r.failMatching(func(*Call) bool { return true }, err)
}

func (r *CallRegistry) failMatching(match func(*Call) bool, err error) {
	r.mu.Lock()
	var failed []*Call
	for id, call := range r.calls {
		if match(call) {
			delete(r.calls, id)
			failed = append(failed, call)
		}
	}
	r.mu.Unlock()

	for _, call := range failed {
		if r.metrics != nil {
			r.metrics.PendingCalls.Dec()
			r.metrics.DisconnectedCalls.Inc()
		}
		failure := err
		if failure == nil {
			failure = apperrors.MemberLeft(call.Target.String())
		}
		call.inv.fail(failure)
	}
	if len(failed) > 0 {
		r.logger.Warn("Failed pending calls", zap.Int("count", len(failed)))
	}
}

// Pending returns the number of outstanding calls.
func (r *CallRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
