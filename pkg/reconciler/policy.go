package reconciler

import (
	"github.com/vc3-project/vc3-master/pkg/storage"
	"github.com/vc3-project/vc3-master/pkg/types"
)

// StaticBalanced splits total workers over n allocations. Every
// allocation gets total/n and the last one also takes the remainder, so
// the shares always add up to total.
func StaticBalanced(total, n int) []int {
	if n <= 0 {
		return nil
	}
	if total < 0 {
		total = 0
	}
	shares := make([]int, n)
	raw := total / n
	for i := range shares {
		shares[i] = raw
	}
	shares[n-1] += total - raw*n
	return shares
}

// TotalJobsRequested is the number of workers the request wants: zero
// while finishing, otherwise the node_number of every nodeset in its
// cluster.
func TotalJobsRequested(store storage.Store, request *types.Request) (int, error) {
	if request.State.Finishing() {
		return 0, nil
	}
	nodesets, err := clusterNodesets(store, request)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, ns := range nodesets {
		total += ns.Nodes()
	}
	return total, nil
}

// clusterNodesets resolves the nodesets of the request's cluster, in
// cluster order
func clusterNodesets(store storage.Store, request *types.Request) ([]*types.Nodeset, error) {
	if request.Cluster == "" {
		return nil, invalidf("Request %s does not name a cluster.", request.Name)
	}
	cluster, err := store.GetCluster(request.Cluster)
	if storage.IsNotFound(err) {
		return nil, invalidf("Cluster %s has not been declared.", request.Cluster)
	}
	if err != nil {
		return nil, err
	}
	if len(cluster.Nodesets) == 0 {
		return nil, invalidf("Cluster %s has no nodesets.", cluster.Name)
	}

	nodesets := make([]*types.Nodeset, 0, len(cluster.Nodesets))
	for _, name := range cluster.Nodesets {
		ns, err := store.GetNodeset(name)
		if storage.IsNotFound(err) {
			return nil, invalidf("Nodeset %s of cluster %s has not been declared.", name, cluster.Name)
		}
		if err != nil {
			return nil, err
		}
		nodesets = append(nodesets, ns)
	}
	return nodesets, nil
}
