package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestRetryable(t *testing.T) {
	retryable := []error{
		WrongTarget("10.0.0.1:5701", "10.0.0.2:5701", 3, 0, "kv"),
		NotAMember("10.0.0.9:5701", 3, "kv"),
		PartitionMigrating("10.0.0.1:5701", 3, "kv"),
		SendFailed("10.0.0.2:5701", fmt.Errorf("connection refused")),
		MemberLeft("10.0.0.2:5701"),
	}
	for _, err := range retryable {
		assert.True(t, Retryable(err), "%v should be retryable", err)
	}

	terminal := []error{
		InvalidPartition(-1, "addOperation"),
		NestedInvocation("addOperation", "getOperation"),
		Timeout("invocation", time.Second),
		ShuttingDown(),
		Internal("boom", nil),
		fmt.Errorf("plain operation error"),
	}
	for _, err := range terminal {
		assert.False(t, Retryable(err), "%v should not be retryable", err)
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeTimeout, CodeOf(Timeout("x", time.Second)))
	assert.Equal(t, ErrCodeWrongTarget, CodeOf(WrongTarget("a", "b", 0, 0, "kv")))

	// wrapped errors still resolve their code
	wrapped := fmt.Errorf("dispatch failed: %w", PartitionMigrating("a", 1, "kv"))
	assert.Equal(t, ErrCodePartitionMigrating, CodeOf(wrapped))

	// anything else is internal
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("plain")))
}

func TestDispatchError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := SendFailed("10.0.0.2:5701", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "10.0.0.2:5701")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestDispatchError_Details(t *testing.T) {
	err := WrongTarget("self:1", "peer:1", 7, 2, "kv")
	assert.Equal(t, int32(7), err.Details["partition_id"])
	assert.Equal(t, int32(2), err.Details["replica_index"])
	assert.Equal(t, "kv", err.Details["service"])
}

func TestToGRPCStatus(t *testing.T) {
	cases := []struct {
		err  *DispatchError
		want codes.Code
	}{
		{InvalidPartition(-1, "op"), codes.InvalidArgument},
		{NestedInvocation("a", "b"), codes.InvalidArgument},
		{WrongTarget("a", "b", 0, 0, "kv"), codes.FailedPrecondition},
		{NotAMember("a", 0, "kv"), codes.FailedPrecondition},
		{PartitionMigrating("a", 0, "kv"), codes.Unavailable},
		{SendFailed("a", nil), codes.Unavailable},
		{ShuttingDown(), codes.Unavailable},
		{Timeout("x", time.Second), codes.DeadlineExceeded},
		{Internal("boom", nil), codes.Internal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.ToGRPCStatus().Code(), "code %d", tc.err.Code)
	}
}

func TestFromWire(t *testing.T) {
	err := FromWire(int32(ErrCodePartitionMigrating), "partition 3 is migrating")
	assert.Equal(t, ErrCodePartitionMigrating, CodeOf(err))
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "migrating")

	// operation-logic failures carry no dispatch code and stay terminal
	err = FromWire(0, "key not found")
	require.Equal(t, ErrCodeInternal, CodeOf(err))
	assert.False(t, Retryable(err))

	err = FromWire(9999, "from a newer peer")
	assert.Equal(t, ErrCodeInternal, CodeOf(err))
}
