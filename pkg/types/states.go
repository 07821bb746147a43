package types

// RequestState is the lifecycle state of a Request
type RequestState string

const (
	RequestStateNew          RequestState = "new"
	RequestStateInitializing RequestState = "initializing"
	RequestStatePending      RequestState = "pending"
	RequestStateRunning      RequestState = "running"
	RequestStateTerminating  RequestState = "terminating"
	RequestStateCleanup      RequestState = "cleanup"
	RequestStateTerminated   RequestState = "terminated"
	RequestStateFailure      RequestState = "failure"
)

// RequestTransitions lists every legal next state for a request state.
// Staying in the same state is always legal.
var RequestTransitions = map[RequestState][]RequestState{
	RequestStateNew:          {RequestStateInitializing, RequestStateTerminating, RequestStateFailure},
	RequestStateInitializing: {RequestStatePending, RequestStateTerminating, RequestStateFailure},
	RequestStatePending:      {RequestStateRunning, RequestStateTerminating, RequestStateFailure},
	RequestStateRunning:      {RequestStateTerminating, RequestStateFailure},
	RequestStateTerminating:  {RequestStateCleanup, RequestStateFailure},
	RequestStateCleanup:      {RequestStateTerminated, RequestStateFailure},
	RequestStateTerminated:   {RequestStateNew},
	RequestStateFailure:      {RequestStateTerminating},
}

// Finishing reports whether the request is winding down. Finishing
// requests never ask for workers.
func (s RequestState) Finishing() bool {
	switch s {
	case RequestStateFailure, RequestStateTerminating, RequestStateCleanup, RequestStateTerminated:
		return true
	}
	return false
}

// Configuring reports whether queue and auth configuration is published
// for requests in this state
func (s RequestState) Configuring() bool {
	switch s {
	case RequestStateNew, RequestStateInitializing, RequestStateTerminated:
		return false
	}
	return true
}

// Valid reports whether s is a known request state
func (s RequestState) Valid() bool {
	_, ok := RequestTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is a legal request transition
func (s RequestState) CanTransition(to RequestState) bool {
	return canTransition(RequestTransitions, s, to)
}

// AllocationState is the lifecycle state of an Allocation
type AllocationState string

const (
	AllocationStateNew               AllocationState = "new"
	AllocationStateConfigured        AllocationState = "configured"
	AllocationStateValidationFailure AllocationState = "validation_failure"
	AllocationStateReady             AllocationState = "ready"
	AllocationStateFailure           AllocationState = "failure"
)

// AllocationTransitions lists every legal next state for an allocation state
var AllocationTransitions = map[AllocationState][]AllocationState{
	AllocationStateNew:               {AllocationStateConfigured, AllocationStateFailure},
	AllocationStateConfigured:        {AllocationStateReady, AllocationStateValidationFailure},
	AllocationStateValidationFailure: {AllocationStateConfigured},
	AllocationStateReady:             {},
	AllocationStateFailure:           {},
}

// Valid reports whether s is a known allocation state
func (s AllocationState) Valid() bool {
	_, ok := AllocationTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is a legal allocation transition
func (s AllocationState) CanTransition(to AllocationState) bool {
	return canTransition(AllocationTransitions, s, to)
}

// HeadNodeState is the lifecycle state of a head-node Nodeset
type HeadNodeState string

const (
	HeadNodeStateNew          HeadNodeState = "new"
	HeadNodeStateBooting      HeadNodeState = "booting"
	HeadNodeStatePending      HeadNodeState = "pending"
	HeadNodeStateInitializing HeadNodeState = "initializing"
	HeadNodeStateRunning      HeadNodeState = "running"
	HeadNodeStateFailure      HeadNodeState = "failure"
	HeadNodeStateTerminated   HeadNodeState = "terminated"
)

// HeadNodeTransitions lists every legal next state for a head node state
var HeadNodeTransitions = map[HeadNodeState][]HeadNodeState{
	HeadNodeStateNew:          {HeadNodeStateBooting, HeadNodeStateFailure, HeadNodeStateTerminated},
	HeadNodeStateBooting:      {HeadNodeStatePending, HeadNodeStateFailure, HeadNodeStateTerminated},
	HeadNodeStatePending:      {HeadNodeStateInitializing, HeadNodeStateFailure, HeadNodeStateTerminated},
	HeadNodeStateInitializing: {HeadNodeStateRunning, HeadNodeStateFailure, HeadNodeStateTerminated},
	HeadNodeStateRunning:      {HeadNodeStateFailure, HeadNodeStateTerminated},
	HeadNodeStateFailure:      {HeadNodeStateTerminated},
	HeadNodeStateTerminated:   {},
}

// Terminal reports whether no further reconciliation happens in s
// besides teardown
func (s HeadNodeState) Terminal() bool {
	return s == HeadNodeStateFailure || s == HeadNodeStateTerminated
}

// Valid reports whether s is a known head node state
func (s HeadNodeState) Valid() bool {
	_, ok := HeadNodeTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is a legal head node transition
func (s HeadNodeState) CanTransition(to HeadNodeState) bool {
	return canTransition(HeadNodeTransitions, s, to)
}

func canTransition[S comparable](table map[S][]S, from, to S) bool {
	if from == to {
		return true
	}
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}
