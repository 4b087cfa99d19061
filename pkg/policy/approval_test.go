package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/pkg/merrors"
	"github.com/agentmesh/mesh/pkg/policy"
)

func requireApprovalDecision(approvers ...string) policy.Decision {
	return policy.Decision{
		Action:    policy.ActionRequireApproval,
		Approvers: approvers,
	}
}

func TestApprovalResolvedByApprover(t *testing.T) {
	a := policy.NewApprovals(time.Second)

	id, err := a.Submit(requireApprovalDecision("alice", "bob"))
	require.NoError(t, err)

	go func() {
		require.NoError(t, a.Resolve(id, "alice", true))
	}()

	result := a.Wait(context.Background(), id)
	require.True(t, result.Approved)
	require.Equal(t, "alice", result.Approver)
	require.Equal(t, "approved", result.Reason)
}

func TestApprovalRejected(t *testing.T) {
	a := policy.NewApprovals(time.Second)

	id, err := a.Submit(requireApprovalDecision("alice"))
	require.NoError(t, err)

	go func() {
		require.NoError(t, a.Resolve(id, "alice", false))
	}()

	result := a.Wait(context.Background(), id)
	require.False(t, result.Approved)
	require.Equal(t, "rejected", result.Reason)
}

func TestApprovalTimesOutToDeny(t *testing.T) {
	a := policy.NewApprovals(20 * time.Millisecond)

	id, err := a.Submit(requireApprovalDecision("alice"))
	require.NoError(t, err)

	result := a.Wait(context.Background(), id)
	require.False(t, result.Approved)
	require.Equal(t, "approval_timeout", result.Reason)

	// The request is gone: a late resolution reports unknown.
	err = a.Resolve(id, "alice", true)
	require.True(t, merrors.Is(err, merrors.UnknownAgent))
}

func TestApprovalUnauthorizedApproverDoesNotConsume(t *testing.T) {
	a := policy.NewApprovals(time.Second)

	id, err := a.Submit(requireApprovalDecision("alice"))
	require.NoError(t, err)

	err = a.Resolve(id, "mallory", true)
	require.True(t, merrors.Is(err, merrors.CapabilityEscalation))

	go func() {
		require.NoError(t, a.Resolve(id, "alice", true))
	}()
	result := a.Wait(context.Background(), id)
	require.True(t, result.Approved)
}

func TestSubmitRejectsNonApprovalDecision(t *testing.T) {
	a := policy.NewApprovals(time.Second)
	_, err := a.Submit(policy.Decision{Action: policy.ActionAllow})
	require.True(t, merrors.Is(err, merrors.PolicyInvalid))
}
