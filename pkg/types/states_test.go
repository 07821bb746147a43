package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestTransitionsCoverEveryState(t *testing.T) {
	states := []RequestState{
		RequestStateNew, RequestStateInitializing, RequestStatePending, RequestStateRunning,
		RequestStateTerminating, RequestStateCleanup, RequestStateTerminated, RequestStateFailure,
	}
	for _, s := range states {
		assert.True(t, s.Valid(), "state %s missing from transition table", s)
		for _, next := range RequestTransitions[s] {
			assert.True(t, next.Valid(), "%s -> %s targets unknown state", s, next)
		}
	}
	assert.False(t, RequestState("bogus").Valid())
}

func TestRequestStateTransitions(t *testing.T) {
	tests := []struct {
		name string
		from RequestState
		to   RequestState
		want bool
	}{
		{"stay", RequestStateRunning, RequestStateRunning, true},
		{"forward", RequestStateNew, RequestStateInitializing, true},
		{"relaunch", RequestStateTerminated, RequestStateNew, true},
		{"failure to terminating", RequestStateFailure, RequestStateTerminating, true},
		{"no skipping cleanup", RequestStateTerminating, RequestStateTerminated, false},
		{"terminated is sticky", RequestStateTerminated, RequestStateRunning, false},
		{"no going back", RequestStateRunning, RequestStatePending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestRequestStateClassification(t *testing.T) {
	tests := []struct {
		state       RequestState
		finishing   bool
		configuring bool
	}{
		{RequestStateNew, false, false},
		{RequestStateInitializing, false, false},
		{RequestStatePending, false, true},
		{RequestStateRunning, false, true},
		{RequestStateTerminating, true, true},
		{RequestStateCleanup, true, true},
		{RequestStateTerminated, true, false},
		{RequestStateFailure, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.finishing, tt.state.Finishing())
			assert.Equal(t, tt.configuring, tt.state.Configuring())
		})
	}
}

func TestAllocationAndHeadNodeTransitions(t *testing.T) {
	assert.True(t, AllocationStateNew.CanTransition(AllocationStateConfigured))
	assert.True(t, AllocationStateValidationFailure.CanTransition(AllocationStateConfigured))
	assert.False(t, AllocationStateReady.CanTransition(AllocationStateConfigured))

	assert.True(t, HeadNodeStateBooting.CanTransition(HeadNodeStatePending))
	assert.True(t, HeadNodeStateRunning.CanTransition(HeadNodeStateTerminated))
	assert.False(t, HeadNodeStateTerminated.CanTransition(HeadNodeStateNew))
	assert.True(t, HeadNodeStateFailure.Terminal())
	assert.False(t, HeadNodeStateRunning.Terminal())
}

func TestResourceSizeDefaults(t *testing.T) {
	r := &Resource{Name: "uchicago"}
	assert.Equal(t, NodeInfo{Cores: 1, MemoryMB: 1024, StorageMB: 1024}, r.Size())

	r.NodeInfo = &NodeInfo{Cores: 8, MemoryMB: 2048}
	assert.Equal(t, NodeInfo{Cores: 8, MemoryMB: 2048, StorageMB: 1024}, r.Size())
}

func TestRequestExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &Request{}
	assert.False(t, r.Expired(now))

	past := now.Add(-time.Minute)
	r.Expiration = &past
	assert.True(t, r.Expired(now))

	future := now.Add(time.Minute)
	r.Expiration = &future
	assert.False(t, r.Expired(now))
}

func TestStatusInfoTotals(t *testing.T) {
	info := StatusInfo{
		"workers": {Running: 2, Idle: 1},
		"gpus":    {Running: 1, Error: 3},
	}
	assert.Equal(t, JobCounts{Running: 3, Idle: 1, Error: 3}, info.Totals())
	assert.Equal(t, JobCounts{}, StatusInfo(nil).Totals())
}
