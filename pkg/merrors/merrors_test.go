package merrors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/pkg/merrors"
)

func TestNewAndIs(t *testing.T) {
	err := merrors.New(merrors.DepthExceeded, "max depth %d reached", 5)
	require.True(t, merrors.Is(err, merrors.DepthExceeded))
	require.False(t, merrors.Is(err, merrors.Revoked))
	require.Equal(t, merrors.DepthExceeded, merrors.KindOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := merrors.Wrap(merrors.StorageFailure, cause, "append failed")
	require.True(t, merrors.Is(err, merrors.StorageFailure))
	require.ErrorIs(t, err, cause)
}

func TestTamperedAtCarriesSequence(t *testing.T) {
	err := merrors.TamperedAt(42)
	require.True(t, merrors.Is(err, merrors.Tampered))
	require.Contains(t, err.Error(), "42")
}

func TestKindOfNonMeshError(t *testing.T) {
	require.Equal(t, merrors.Kind(""), merrors.KindOf(errors.New("plain")))
}

func TestComputeBackoffExponentialGrowth(t *testing.T) {
	policy := merrors.BackoffPolicy{BaseMs: 100, MaxMs: 30000, MaxJitterMs: 0, MaxAttempts: 5}

	d0 := merrors.ComputeBackoff(merrors.BackoffParams{OperationID: "op", AttemptIndex: 0}, policy)
	d1 := merrors.ComputeBackoff(merrors.BackoffParams{OperationID: "op", AttemptIndex: 1}, policy)
	d2 := merrors.ComputeBackoff(merrors.BackoffParams{OperationID: "op", AttemptIndex: 2}, policy)

	require.Equal(t, int64(100), d0.Milliseconds())
	require.Equal(t, int64(200), d1.Milliseconds())
	require.Equal(t, int64(400), d2.Milliseconds())
}

func TestComputeBackoffCapsAtMax(t *testing.T) {
	policy := merrors.BackoffPolicy{BaseMs: 1000, MaxMs: 2000, MaxJitterMs: 0, MaxAttempts: 10}
	d := merrors.ComputeBackoff(merrors.BackoffParams{OperationID: "op", AttemptIndex: 10}, policy)
	require.Equal(t, int64(2000), d.Milliseconds())
}

func TestComputeBackoffJitterDeterministic(t *testing.T) {
	policy := merrors.BackoffPolicy{BaseMs: 100, MaxMs: 30000, MaxJitterMs: 1000, MaxAttempts: 5}
	params := merrors.BackoffParams{OperationID: "op1", AttemptIndex: 3, ContextHash: "hash-a"}

	d1 := merrors.ComputeBackoff(params, policy)
	d2 := merrors.ComputeBackoff(params, policy)
	require.Equal(t, d1, d2)

	other := params
	other.ContextHash = "hash-b"
	d3 := merrors.ComputeBackoff(other, policy)
	require.NotEqual(t, fmt.Sprint(d1), "")
	_ = d3
}
