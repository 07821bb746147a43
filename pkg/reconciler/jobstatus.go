package reconciler

import (
	"github.com/vc3-project/vc3-master/pkg/types"
)

// ComputeJobStatusSummary aggregates the batch layer's statusraw into one
// entry per nodeset. It returns nil, meaning unavailable, for requests
// that are not yet initialized or have no statusraw.
func ComputeJobStatusSummary(request *types.Request, nodesets []*types.Nodeset) types.StatusInfo {
	switch request.State {
	case types.RequestStateNew, types.RequestStateInitializing:
		return nil
	}
	if request.StatusRaw == nil {
		return nil
	}

	info := make(types.StatusInfo, len(nodesets))
	for _, ns := range nodesets {
		summary := types.NodesetStatus{NodeNumber: ns.Nodes()}
		if !request.State.Finishing() {
			summary.Requested = summary.NodeNumber
		}
		for _, factory := range request.StatusRaw {
			queues := factory[ns.Name]
			for _, allocation := range request.Allocations {
				counts := queues[allocation].Aggregated
				if counts == nil {
					continue
				}
				summary.Running += counts.Running
				summary.Idle += counts.Idle
				summary.Error += counts.Error
			}
		}
		info[ns.Name] = summary
	}
	return info
}
