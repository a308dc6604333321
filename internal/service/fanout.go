package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/devrev/datagrid/internal/errors"
	"github.com/devrev/datagrid/internal/model"
)

const (
	fanoutTryCount = 5
	fanoutTryPause = 300 * time.Millisecond
)

// PartitionResult is one partition's outcome inside a fan-out batch response.
type PartitionResult struct {
	Partition int32  `json:"partition"`
	Value     any    `json:"value,omitempty"`
	ErrCode   int32  `json:"err_code,omitempty"`
	ErrMsg    string `json:"err_msg,omitempty"`
}

// InvokeOnAllPartitions dispatches op once per current partition owner,
// carrying that owner's partition subset, and returns a mapping from
// partition id to result-or-error. A failed owner-level call fails only its
// subset; each failed partition is then retried individually with the
// default policy and its entry replaced by the outcome.
func (s *NodeService) InvokeOnAllPartitions(ctx context.Context, serviceName string, op model.Operation) (map[int32]any, error) {
	name, err := s.types.NameOf(op)
	if err != nil {
		return nil, apperrors.Internal("cannot fan out unregistered operation type", err)
	}
	// encode once; the op object itself is never shared across invocations
	payload, err := s.codec.Encode(op)
	if err != nil {
		return nil, apperrors.Internal("failed to encode operation", err)
	}

	results := make(map[int32]any, s.router.Count())
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for owner, parts := range s.partitionsByOwner() {
		if owner.IsZero() {
			mu.Lock()
			for _, pid := range parts {
				results[pid] = apperrors.WrongTarget(s.self.String(), "", pid, 0, serviceName)
			}
			mu.Unlock()
			continue
		}
		owner, parts := owner, parts
		g.Go(func() error {
			batch := &partitionBatchOperation{Partitions: parts, OpType: name, Payload: payload}
			var v any
			inv, berr := s.InvocationBuilder(serviceName, batch, model.NoPartition).
				WithTarget(owner).
				WithTryCount(fanoutTryCount).
				WithTryPause(fanoutTryPause).
				Build()
			if berr == nil {
				v, berr = inv.Invoke(gctx).Get(gctx)
			}

			mu.Lock()
			defer mu.Unlock()
			if berr != nil {
				for _, pid := range parts {
					results[pid] = berr
				}
				return nil
			}
			s.mergeBatchResults(results, parts, v)
			return nil
		})
	}
	_ = g.Wait()

	// second pass: retry failed partitions one by one
	type pendingRetry struct {
		pid    int32
		future *Future
	}
	var retries []pendingRetry
	for pid, res := range results {
		if _, failed := res.(error); !failed {
			continue
		}
		clone, cerr := s.decodeOperation(name, payload)
		if cerr != nil {
			results[pid] = cerr
			continue
		}
		inv, berr := s.InvocationBuilder(serviceName, clone, pid).Build()
		if berr != nil {
			results[pid] = berr
			continue
		}
		retries = append(retries, pendingRetry{pid: pid, future: inv.Invoke(ctx)})
	}
	for _, r := range retries {
		v, rerr := r.future.Get(ctx)
		if rerr != nil {
			results[r.pid] = rerr
		} else {
			results[r.pid] = v
		}
	}

	return results, nil
}

// partitionsByOwner groups all partition ids by their current owner.
func (s *NodeService) partitionsByOwner() map[model.Address][]int32 {
	owners := make(map[model.Address][]int32)
	for pid := int32(0); pid < s.router.Count(); pid++ {
		owner := s.router.OwnerOf(pid)
		owners[owner] = append(owners[owner], pid)
	}
	return owners
}

// mergeBatchResults records one owner batch response into the result map.
func (s *NodeService) mergeBatchResults(results map[int32]any, parts []int32, v any) {
	prs, err := s.decodePartitionResults(v)
	if err != nil {
		for _, pid := range parts {
			results[pid] = err
		}
		return
	}
	seen := make(map[int32]bool, len(prs))
	for _, pr := range prs {
		if pr.ErrCode != 0 {
			results[pr.Partition] = apperrors.FromWire(pr.ErrCode, pr.ErrMsg)
		} else {
			results[pr.Partition] = pr.Value
		}
		seen[pr.Partition] = true
	}
	for _, pid := range parts {
		if !seen[pid] {
			results[pid] = apperrors.Internal("owner returned no result for partition", nil)
		}
	}
}

// decodePartitionResults converts a batch response back to typed results.
// Local dispatches return the slice directly; remote ones come back through
// the codec.
func (s *NodeService) decodePartitionResults(v any) ([]PartitionResult, error) {
	if prs, ok := v.([]PartitionResult); ok {
		return prs, nil
	}
	data, err := s.codec.Encode(v)
	if err != nil {
		return nil, apperrors.Internal("failed to re-encode batch response", err)
	}
	var prs []PartitionResult
	if err := s.codec.Decode(data, &prs); err != nil {
		return nil, apperrors.Internal("failed to decode batch response", err)
	}
	return prs, nil
}

// partitionBatchOperation executes a wrapped operation against every
// partition in its subset on the receiving node and returns the per-partition
// outcomes. It is not partition-scoped itself: each inner execution acquires
// its own partition locks.
type partitionBatchOperation struct {
	Hdr        model.Header `json:"hdr"`
	Partitions []int32      `json:"partitions"`
	OpType     string       `json:"op_type"`
	Payload    []byte       `json:"payload"`

	ns *NodeService
}

func (o *partitionBatchOperation) Header() *model.Header {
	return &o.Hdr
}

// SetNodeService implements NodeAware
func (o *partitionBatchOperation) SetNodeService(ns *NodeService) {
	o.ns = ns
}

// Run executes the wrapped operation per partition, capturing each result.
func (o *partitionBatchOperation) Run(ctx context.Context) (any, error) {
	results := make([]PartitionResult, 0, len(o.Partitions))
	for _, pid := range o.Partitions {
		inner, err := o.ns.decodeOperation(o.OpType, o.Payload)
		if err != nil {
			return nil, apperrors.Internal("failed to decode batched operation", err)
		}
		h := inner.Header()
		h.Service = o.Hdr.Service
		h.Partition = pid
		h.Caller = o.Hdr.Caller

		var captured any
		h.PrepareDispatch(func(v any) { captured = v })
		o.ns.executeOperation(ctx, inner)

		pr := PartitionResult{Partition: pid}
		if err, ok := captured.(error); ok {
			pr.ErrCode = int32(apperrors.CodeOf(err))
			pr.ErrMsg = err.Error()
		} else {
			pr.Value = captured
		}
		results = append(results, pr)
	}
	return results, nil
}
