package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/devrev/datagrid/internal/errors"
	"github.com/devrev/datagrid/internal/model"
)

// Future is the pending result of an invocation. It is completed exactly
// once.
type Future struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete sets the result. It reports whether this call won the completion.
func (f *Future) complete(v any, err error) bool {
	won := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		close(f.done)
		won = true
	})
	return won
}

// Done reports whether the result is available without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the result is available or ctx is canceled.
func (f *Future) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetWithTimeout blocks up to d for the result.
func (f *Future) GetWithTimeout(ctx context.Context, d time.Duration) (any, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, apperrors.Timeout("waiting for invocation result", d)
	}
}

// InvocationBuilder configures one dispatch of an operation. Obtained from
// NodeService.InvocationBuilder; unset fields take the dispatch defaults.
type InvocationBuilder struct {
	svc          *NodeService
	serviceName  string
	op           model.Operation
	partitionID  int32
	replicaIndex int32
	target       model.Address
	tryCount     int
	tryPause     time.Duration
	timeout      time.Duration
}

// InvocationBuilder starts building an invocation of op against partitionID.
// Use model.NoPartition for operations that are not partition-bound.
func (s *NodeService) InvocationBuilder(serviceName string, op model.Operation, partitionID int32) *InvocationBuilder {
	return &InvocationBuilder{
		svc:         s,
		serviceName: serviceName,
		op:          op,
		partitionID: partitionID,
		tryCount:    s.cfg.DefaultTryCount,
		tryPause:    s.cfg.DefaultTryPause,
		timeout:     s.cfg.InvocationTimeout,
	}
}

// WithTarget pins the invocation to an explicit target instead of resolving
// the partition replica.
func (b *InvocationBuilder) WithTarget(target model.Address) *InvocationBuilder {
	b.target = target
	return b
}

// WithReplicaIndex dispatches to the given replica instead of the owner.
func (b *InvocationBuilder) WithReplicaIndex(index int32) *InvocationBuilder {
	b.replicaIndex = index
	return b
}

// WithTryCount sets the total number of dispatch attempts.
func (b *InvocationBuilder) WithTryCount(n int) *InvocationBuilder {
	b.tryCount = n
	return b
}

// WithTryPause sets the pause between retry attempts.
func (b *InvocationBuilder) WithTryPause(d time.Duration) *InvocationBuilder {
	b.tryPause = d
	return b
}

// WithTimeout bounds the whole invocation including retries.
func (b *InvocationBuilder) WithTimeout(d time.Duration) *InvocationBuilder {
	b.timeout = d
	return b
}

// Build validates the configuration and returns the invocation.
func (b *InvocationBuilder) Build() (*Invocation, error) {
	if b.op == nil {
		return nil, fmt.Errorf("operation must not be nil")
	}
	if b.op.Header().Flags.Has(model.FlagPartitionScoped) && b.partitionID < 0 {
		return nil, apperrors.InvalidPartition(b.partitionID, fmt.Sprintf("%T", b.op))
	}
	if b.tryCount < 1 {
		b.tryCount = 1
	}
	return &Invocation{
		svc:            b.svc,
		serviceName:    b.serviceName,
		op:             b.op,
		partitionID:    b.partitionID,
		replicaIndex:   b.replicaIndex,
		explicitTarget: b.target,
		tryCount:       b.tryCount,
		tryPause:       b.tryPause,
		timeout:        b.timeout,
		future:         newFuture(),
	}, nil
}

// Invocation is one configured dispatch of an operation to a resolved target.
// Retries re-resolve the target and reuse the configuration; retry state is
// owned by the invocation and never shared.
type Invocation struct {
	svc            *NodeService
	serviceName    string
	op             model.Operation
	partitionID    int32
	replicaIndex   int32
	explicitTarget model.Address
	tryCount       int
	tryPause       time.Duration
	timeout        time.Duration

	invokeCtx context.Context
	started   time.Time
	future    *Future

	mu       sync.Mutex
	attempts int
	target   model.Address
	callID   int64
	timer    *time.Timer
}

// Invoke dispatches the operation and returns its pending result. A purely
// local dispatch runs inline on the caller's goroutine and the returned
// future is already complete.
func (inv *Invocation) Invoke(ctx context.Context) *Future {
	inv.invokeCtx = ctx
	inv.started = time.Now()

	// A keyed operation synchronously invoking another keyed operation from
	// its own execution context risks key-lock re-entry or cross-node
	// deadlock.
	if cur := CurrentOperation(ctx); cur != nil {
		if _, curKeyed := cur.(model.KeyedOperation); curKeyed {
			if _, keyed := inv.op.(model.KeyedOperation); keyed {
				inv.completeFinal(nil, apperrors.NestedInvocation(fmt.Sprintf("%T", cur), fmt.Sprintf("%T", inv.op)))
				return inv.future
			}
		}
	}

	if inv.timeout > 0 {
		timeout := inv.timeout
		timer := time.AfterFunc(timeout, func() { inv.onTimeout(timeout) })
		inv.mu.Lock()
		inv.timer = timer
		inv.mu.Unlock()
	}

	inv.attempt()
	return inv.future
}

// attempt resolves the target and performs one dispatch.
func (inv *Invocation) attempt() {
	if inv.future.Done() {
		return
	}
	inv.mu.Lock()
	inv.attempts++
	inv.mu.Unlock()

	target := inv.explicitTarget
	if target.IsZero() && inv.partitionID >= 0 && inv.partitionID < inv.svc.router.Count() {
		target = inv.svc.router.ReplicaAddress(inv.partitionID, inv.replicaIndex)
	}
	if target.IsZero() {
		inv.onResult(nil, apperrors.WrongTarget(
			inv.svc.self.String(), "", inv.partitionID, inv.replicaIndex, inv.serviceName))
		return
	}
	if inv.svc.membership != nil && !inv.svc.membership.IsMember(target) {
		inv.onResult(nil, apperrors.NotAMember(target.String(), inv.partitionID, inv.serviceName))
		return
	}

	inv.mu.Lock()
	inv.target = target
	inv.mu.Unlock()

	h := inv.op.Header()
	h.Service = inv.serviceName
	h.Partition = inv.partitionID
	h.Replica = inv.replicaIndex
	h.Caller = inv.svc.self
	h.CallID = 0

	if target == inv.svc.self {
		inv.invokeLocal()
		return
	}
	inv.invokeRemote(target)
}

// invokeLocal runs the operation inline through the executor and completes
// the future synchronously.
func (inv *Invocation) invokeLocal() {
	if inv.svc.metrics != nil {
		inv.svc.metrics.InvocationsTotal.WithLabelValues("local").Inc()
	}
	h := inv.op.Header()
	h.PrepareDispatch(func(v any) {
		if err, ok := v.(error); ok {
			inv.onResult(nil, err)
			return
		}
		inv.onResult(v, nil)
	})
	inv.svc.executeOperation(inv.invokeCtx, inv.op)
}

// invokeRemote registers a call, encodes the operation, and sends it.
func (inv *Invocation) invokeRemote(target model.Address) {
	if inv.svc.metrics != nil {
		inv.svc.metrics.InvocationsTotal.WithLabelValues("remote").Inc()
	}
	call := &Call{Target: target, inv: inv}
	id := inv.svc.calls.Register(call)
	inv.mu.Lock()
	inv.callID = id
	inv.mu.Unlock()

	h := inv.op.Header()
	h.CallID = id
	h.PrepareDispatch(nil)

	if err := inv.svc.sendOperation(inv.op, target); err != nil {
		inv.mu.Lock()
		inv.callID = 0
		inv.mu.Unlock()
		inv.svc.calls.Deregister(id)
		inv.onResult(nil, err)
	}
}

// onTimeout finalizes an invocation whose deadline elapsed and drops its
// outstanding call, so the registry does not hold it until disconnect or
// shutdown.
func (inv *Invocation) onTimeout(timeout time.Duration) {
	inv.completeFinal(nil, apperrors.Timeout("invocation", timeout))

	inv.mu.Lock()
	id := inv.callID
	inv.callID = 0
	inv.mu.Unlock()
	if id != 0 {
		inv.svc.calls.Deregister(id)
	}
}

// notify completes the invocation with an inbound response.
func (inv *Invocation) notify(resp *model.Response) {
	if !resp.OK() {
		inv.onResult(nil, apperrors.FromWire(resp.ErrCode, resp.ErrMsg))
		return
	}
	inv.onResult(resp.Value, nil)
}

// fail completes the invocation with a synthesized failure.
func (inv *Invocation) fail(err error) {
	inv.onResult(nil, err)
}

// onResult applies the retry law: while attempts remain and the failure is
// retryable, wait the configured pause, re-resolve, and retry; otherwise the
// result is final.
func (inv *Invocation) onResult(v any, err error) {
	if inv.future.Done() {
		return
	}
	if err != nil && apperrors.Retryable(err) {
		inv.mu.Lock()
		retry := inv.attempts < inv.tryCount
		attempts := inv.attempts
		inv.mu.Unlock()
		if retry {
			if inv.svc.metrics != nil {
				inv.svc.metrics.InvocationRetriesTotal.Inc()
			}
			inv.svc.logger.Debug("Retrying invocation",
				zap.String("service", inv.serviceName),
				zap.Int32("partition", inv.partitionID),
				zap.Int("attempt", attempts),
				zap.Error(err))
			time.AfterFunc(inv.tryPause, inv.attempt)
			return
		}
	}
	inv.completeFinal(v, err)
}

func (inv *Invocation) completeFinal(v any, err error) {
	if !inv.future.complete(v, err) {
		return
	}
	inv.mu.Lock()
	timer := inv.timer
	inv.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if inv.svc.metrics == nil {
		return
	}
	if !inv.started.IsZero() {
		inv.svc.metrics.InvocationDuration.Observe(time.Since(inv.started).Seconds())
	}
	if err != nil {
		inv.svc.metrics.InvocationFailuresTotal.
			WithLabelValues(fmt.Sprintf("%d", apperrors.CodeOf(err))).Inc()
	}
}
