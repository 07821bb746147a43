package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vc3-project/vc3-master/pkg/types"
)

func TestComputeJobStatusSummary(t *testing.T) {
	nodesets := []*types.Nodeset{
		{Name: "workers", NodeNumber: intPtr(10)},
		{Name: "gpus", NodeNumber: intPtr(2)},
	}
	req := &types.Request{
		Name:        "req1",
		Allocations: []string{"a1", "a2"},
		State:       types.RequestStateRunning,
		StatusRaw: types.StatusRaw{
			"f1": {
				"workers": {
					"a1": {Aggregated: &types.JobCounts{Running: 3, Idle: 1, Error: 1}},
					"a2": {}, // nothing aggregated yet
				},
			},
			"f2": {
				"workers": {"a2": {Aggregated: &types.JobCounts{Running: 4}}},
			},
		},
	}

	info := ComputeJobStatusSummary(req, nodesets)
	assert.Equal(t, types.StatusInfo{
		"workers": {Running: 7, Idle: 1, Error: 1, NodeNumber: 10, Requested: 10},
		"gpus":    {NodeNumber: 2, Requested: 2},
	}, info)
	assert.Equal(t, types.JobCounts{Running: 7, Idle: 1, Error: 1}, info.Totals())

	req.State = types.RequestStateTerminating
	info = ComputeJobStatusSummary(req, nodesets)
	assert.Zero(t, info["workers"].Requested)
	assert.Equal(t, 10, info["workers"].NodeNumber)
}

func TestComputeJobStatusSummaryUnavailable(t *testing.T) {
	nodesets := []*types.Nodeset{{Name: "workers", NodeNumber: intPtr(1)}}

	for _, state := range []types.RequestState{types.RequestStateNew, types.RequestStateInitializing} {
		req := &types.Request{State: state, StatusRaw: statusRaw("workers", "a1", 1, 0)}
		assert.Nil(t, ComputeJobStatusSummary(req, nodesets), "state %s", state)
	}

	req := &types.Request{State: types.RequestStatePending}
	assert.Nil(t, ComputeJobStatusSummary(req, nodesets))
}
