package types

// JobCounts are worker counts reported by the batch layer
type JobCounts struct {
	Running int `json:"running"`
	Idle    int `json:"idle"`
	Error   int `json:"error"`
}

// QueueStatus is the per-queue entry in StatusRaw
type QueueStatus struct {
	Aggregated *JobCounts `json:"aggregated,omitempty"`
}

// StatusRaw is the batch layer's report, keyed by
// factory, then nodeset, then allocation
type StatusRaw map[string]map[string]map[string]QueueStatus

// NodesetStatus is the summary computed for one nodeset of a request
type NodesetStatus struct {
	Running    int `json:"running"`
	Idle       int `json:"idle"`
	Error      int `json:"error"`
	NodeNumber int `json:"node_number"`
	Requested  int `json:"requested"`
}

// StatusInfo maps nodeset name to its summary. A nil StatusInfo means
// the counts are unavailable.
type StatusInfo map[string]NodesetStatus

// Totals sums the worker counts over every nodeset
func (s StatusInfo) Totals() JobCounts {
	var total JobCounts
	for _, ns := range s {
		total.Running += ns.Running
		total.Idle += ns.Idle
		total.Error += ns.Error
	}
	return total
}
