package reconciler

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"
	"github.com/vc3-project/vc3-master/pkg/events"
	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/metrics"
	"github.com/vc3-project/vc3-master/pkg/storage"
	"github.com/vc3-project/vc3-master/pkg/types"
)

// HeadNodePrefix prefixes the head-node nodeset name of a request
const HeadNodePrefix = "headnode-for-"

// Request state reasons
const (
	ReasonExpired         = "Request has expired."
	ReasonTerminate       = "Termination requested."
	ReasonStatusWentAway  = "status went away"
	ReasonAllRunning      = "all requested workers are running"
	ReasonWaitingHeadNode = "Waiting for headnode to be created."
	ReasonWaitingWorkers  = "Waiting for workers to start."
	ReasonWaitingTeardown = "Waiting for headnode to be removed."
	ReasonTerminated      = "Request terminated."
	reasonInvalidSuffix   = " Please terminate the request and fix it."
	reasonHeadNodeFailure = "Headnode failed: "
)

// HeadNodeName is the nodeset name a request's head node gets
func HeadNodeName(request string) string {
	return HeadNodePrefix + request
}

// RequestReconciler drives requests through their lifecycle and publishes
// their queue and auth configuration
type RequestReconciler struct {
	base
	generator *Generator
	logger    zerolog.Logger
}

// NewRequestReconciler creates a request reconciler
func NewRequestReconciler(store storage.Store, generator *Generator, opts ...Option) *RequestReconciler {
	if generator == nil {
		generator = NewGenerator("")
	}
	return &RequestReconciler{
		base:      newBase(store, opts),
		generator: generator,
		logger:    log.WithComponent("requests"),
	}
}

// HandleRequests runs one reconciliation pass over every request
func (r *RequestReconciler) HandleRequests(ctx context.Context) error {
	requests, err := r.store.ListRequests()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Could not list requests, skipping cycle")
		return fmt.Errorf("failed to list requests: %w", err)
	}
	for _, req := range requests {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.Process(req)
	}
	return nil
}

type requestSnapshot struct {
	state      types.RequestState
	reason     string
	action     types.Action
	headnode   string
	statusinfo types.StatusInfo
	queuesconf string
	authconf   string
}

func snapshotRequest(req *types.Request) requestSnapshot {
	return requestSnapshot{
		state:      req.State,
		reason:     req.StateReason,
		action:     req.Action,
		headnode:   req.HeadNode,
		statusinfo: req.StatusInfo,
		queuesconf: req.QueuesConf,
		authconf:   req.AuthConf,
	}
}

// Process reconciles one request and stores it if anything changed. It
// reports whether the request was written.
func (r *RequestReconciler) Process(req *types.Request) bool {
	logger := log.WithRequest(r.logger, req.Name)
	before := snapshotRequest(req)
	if req.State == "" {
		req.State = types.RequestStateNew
	}

	err := r.advance(req)
	var invalid *InvalidRequestError
	switch {
	case err == nil:
	case errors.As(err, &invalid):
		if req.State != types.RequestStateFailure {
			req.State = types.RequestStateFailure
			req.StateReason = invalid.Error()
		}
		req.QueuesConf = ""
		req.AuthConf = ""
	case storage.IsConnection(err):
		logger.Warn().Err(err).Msg("Store unavailable, skipping request this cycle")
		return false
	default:
		logger.Error().Err(err).Msg("Failed to reconcile request")
		return false
	}

	if reflect.DeepEqual(snapshotRequest(req), before) {
		return false
	}
	if err := r.store.PutRequest(req); err != nil {
		logger.Warn().Err(err).Msg("Failed to store request")
		return false
	}
	if req.State != before.state {
		logger.Info().
			Str("from", string(before.state)).
			Str("to", string(req.State)).
			Str("reason", req.StateReason).
			Msg("Request changed state")
		metrics.RecordTransition("request", string(before.state), string(req.State))
		r.publish(events.EventRequestTransition, req.Name, string(before.state), string(req.State), req.StateReason)
	} else if req.StateReason != before.reason {
		logger.Debug().Str("reason", req.StateReason).Msg("Request reason changed")
	}
	return true
}

// advance runs one step of the state machine on req in memory
func (r *RequestReconciler) advance(req *types.Request) error {
	hn, err := r.headNode(req)
	if err != nil {
		return err
	}

	if !req.State.Finishing() {
		switch {
		case req.Expired(r.now()):
			req.State = types.RequestStateTerminating
			req.StateReason = ReasonExpired
		case hn != nil && hn.State == types.HeadNodeStateFailure:
			req.State = types.RequestStateFailure
			req.StateReason = reasonHeadNodeFailure + hn.StateReason
		}
	}
	if req.Action == types.ActionTerminate && (!req.State.Finishing() || req.State == types.RequestStateFailure) {
		req.State = types.RequestStateTerminating
		req.StateReason = ReasonTerminate
	}

	req.StatusInfo = nil
	var nodesets []*types.Nodeset
	if req.State == types.RequestStateInitializing && hn == nil {
		// the head node is built from the cluster; without one it never appears
		if _, err := clusterNodesets(r.store, req); err != nil {
			return err
		}
	}
	if req.State != types.RequestStateNew && req.State != types.RequestStateInitializing {
		nodesets, err = clusterNodesets(r.store, req)
		switch {
		case err == nil:
			req.StatusInfo = ComputeJobStatusSummary(req, nodesets)
		case req.State.Finishing() && IsInvalidRequest(err):
			// a broken declaration must not block teardown; no statusinfo
			// reads as zero workers
		default:
			return err
		}
	}

	next, reason, err := r.dispatch(req, hn)
	if err != nil {
		return err
	}
	req.State = next
	req.StateReason = reason

	if req.State.Configuring() {
		err = r.configure(req)
		if err == nil || !req.State.Finishing() || !IsInvalidRequest(err) {
			return err
		}
	}
	req.QueuesConf = ""
	req.AuthConf = ""
	return nil
}

func (r *RequestReconciler) dispatch(req *types.Request, hn *types.Nodeset) (types.RequestState, string, error) {
	switch req.State {
	case types.RequestStateNew:
		return r.stateNew(req)
	case types.RequestStateInitializing:
		return stateInitializing(req, hn)
	case types.RequestStatePending:
		return r.statePending(req)
	case types.RequestStateRunning:
		return r.stateRunning(req)
	case types.RequestStateTerminating:
		return stateTerminating(req)
	case types.RequestStateCleanup:
		return stateCleanup(req, hn)
	case types.RequestStateTerminated:
		return stateTerminated(req)
	case types.RequestStateFailure:
		return req.State, req.StateReason, nil
	}
	return types.RequestStateFailure, fmt.Sprintf("Request is in unknown state %q.", req.State), nil
}

// headNode returns the request's head node, nil if it has none yet
func (r *RequestReconciler) headNode(req *types.Request) (*types.Nodeset, error) {
	if req.HeadNode == "" {
		return nil, nil
	}
	hn, err := r.store.GetNodeset(req.HeadNode)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	return hn, err
}

func (r *RequestReconciler) stateNew(req *types.Request) (types.RequestState, string, error) {
	err := ValidateRequest(r.store, req)
	var invalid *InvalidRequestError
	if errors.As(err, &invalid) {
		return types.RequestStateFailure, "Failure: " + invalid.Error() + reasonInvalidSuffix, nil
	}
	if err != nil {
		return req.State, req.StateReason, err
	}
	req.HeadNode = HeadNodeName(req.Name)
	return types.RequestStateInitializing, ReasonWaitingHeadNode, nil
}

func stateInitializing(req *types.Request, hn *types.Nodeset) (types.RequestState, string, error) {
	if hn == nil {
		return types.RequestStateInitializing, ReasonWaitingHeadNode, nil
	}
	switch hn.State {
	case types.HeadNodeStateRunning:
		return types.RequestStatePending, ReasonWaitingWorkers, nil
	case types.HeadNodeStateFailure:
		return types.RequestStateFailure, reasonHeadNodeFailure + hn.StateReason, nil
	}
	reason := hn.StateReason
	if reason == "" {
		reason = fmt.Sprintf("Headnode is %s.", hn.State)
	}
	return types.RequestStateInitializing, reason, nil
}

func (r *RequestReconciler) statePending(req *types.Request) (types.RequestState, string, error) {
	if req.StatusInfo == nil || req.StatusInfo.Totals().Running == 0 {
		return types.RequestStatePending, ReasonWaitingWorkers, nil
	}
	req.State = types.RequestStateRunning
	return r.stateRunning(req)
}

func (r *RequestReconciler) stateRunning(req *types.Request) (types.RequestState, string, error) {
	if req.StatusInfo == nil {
		return types.RequestStateTerminating, ReasonStatusWentAway, nil
	}
	desired, err := TotalJobsRequested(r.store, req)
	if err != nil {
		return req.State, req.StateReason, err
	}
	totals := req.StatusInfo.Totals()
	observed := totals.Running + totals.Idle

	switch {
	case desired > observed:
		return types.RequestStateRunning, fmt.Sprintf("requesting %d more", desired-observed), nil
	case desired < observed:
		return types.RequestStateRunning, fmt.Sprintf("requesting %d less", observed-desired), nil
	}
	return types.RequestStateRunning, ReasonAllRunning, nil
}

func stateTerminating(req *types.Request) (types.RequestState, string, error) {
	// unavailable counts are treated as zero
	totals := req.StatusInfo.Totals()
	if totals.Running+totals.Idle == 0 {
		return types.RequestStateCleanup, ReasonWaitingTeardown, nil
	}
	return types.RequestStateTerminating, req.StateReason, nil
}

func stateCleanup(req *types.Request, hn *types.Nodeset) (types.RequestState, string, error) {
	if hn == nil {
		return types.RequestStateTerminated, ReasonTerminated, nil
	}
	return types.RequestStateCleanup, ReasonWaitingTeardown, nil
}

func stateTerminated(req *types.Request) (types.RequestState, string, error) {
	if req.Action != types.ActionRelaunch {
		return types.RequestStateTerminated, req.StateReason, nil
	}
	req.Action = types.ActionNone
	req.HeadNode = ""
	return types.RequestStateNew, "Relaunch requested.", nil
}

// configure regenerates queuesconf and authconf for the current state
func (r *RequestReconciler) configure(req *types.Request) error {
	in, err := LoadConfigInput(r.store, req)
	if err != nil {
		return err
	}
	queues, auth, err := r.generator.Generate(in)
	if err != nil {
		return err
	}
	req.QueuesConf = queues.Encode()
	req.AuthConf = auth.Encode()
	return nil
}
