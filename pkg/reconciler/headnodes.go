package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vc3-project/vc3-master/pkg/events"
	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/metrics"
	"github.com/vc3-project/vc3-master/pkg/provision"
	"github.com/vc3-project/vc3-master/pkg/storage"
	"github.com/vc3-project/vc3-master/pkg/types"
)

// Head node defaults
const (
	DefaultInstancePrefix = "vc3-headnode-"
	DefaultMaxNoContact   = 600 * time.Second
)

const contactWarning = " (Headnode could not be contacted. This may be a transient error."

// HeadNodeConfig configures the head-node reconciler
type HeadNodeConfig struct {
	InstancePrefix string
	MaxNoContact   time.Duration
	SecretDir      string // shared secrets are left here by the initializer
	BuilderOptions map[string]string
}

// HeadNodeReconciler boots, initializes, watches and tears down the head
// node of every request
type HeadNodeReconciler struct {
	base
	backend provision.Backend
	cfg     HeadNodeConfig
	logger  zerolog.Logger

	// in-flight initializations keyed by request name. Only touched from
	// the owning taskset goroutine.
	initializers map[string]provision.Initialization
}

// NewHeadNodeReconciler creates a head-node reconciler using backend
func NewHeadNodeReconciler(store storage.Store, backend provision.Backend, cfg HeadNodeConfig, opts ...Option) *HeadNodeReconciler {
	if cfg.InstancePrefix == "" {
		cfg.InstancePrefix = DefaultInstancePrefix
	}
	if cfg.MaxNoContact <= 0 {
		cfg.MaxNoContact = DefaultMaxNoContact
	}
	if cfg.SecretDir == "" {
		cfg.SecretDir = "/tmp"
	}
	return &HeadNodeReconciler{
		base:         newBase(store, opts),
		backend:      backend,
		cfg:          cfg,
		logger:       log.WithComponent("headnodes"),
		initializers: make(map[string]provision.Initialization),
	}
}

// HandleHeadNodes runs one reconciliation pass over the head node of
// every request that has one
func (r *HeadNodeReconciler) HandleHeadNodes(ctx context.Context) error {
	requests, err := r.store.ListRequests()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Could not list requests, skipping cycle")
		return fmt.Errorf("failed to list requests: %w", err)
	}
	for _, req := range requests {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if req.HeadNode == "" {
			continue
		}
		r.process(ctx, req)
	}
	return nil
}

// InFlight returns the number of running initializations
func (r *HeadNodeReconciler) InFlight() int {
	return len(r.initializers)
}

// Shutdown cancels every running initialization
func (r *HeadNodeReconciler) Shutdown() {
	for name, init := range r.initializers {
		init.Cancel()
		delete(r.initializers, name)
	}
}

func (r *HeadNodeReconciler) process(ctx context.Context, req *types.Request) {
	logger := log.WithRequest(r.logger, req.Name)

	hn, err := r.store.GetNodeset(req.HeadNode)
	if storage.IsNotFound(err) {
		hn, err = r.create(req)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not create headnode")
			return
		}
		if hn == nil {
			r.dropInitializer(req.Name)
			return
		}
	} else if err != nil {
		logger.Warn().Err(err).Msg("Store unavailable, skipping headnode this cycle")
		return
	}

	from := hn.State
	if from == "" {
		hn.State = types.HeadNodeStateNew
	}

	if tearDown(req) {
		r.terminate(ctx, req, hn)
	} else {
		r.advance(ctx, req, hn)
	}

	if hn.State == types.HeadNodeStateTerminated {
		if err := r.store.DeleteNodeset(hn.Name); err != nil && !storage.IsNotFound(err) {
			logger.Warn().Err(err).Msg("Failed to delete terminated headnode")
			return
		}
		r.publish(events.EventHeadNodeDeleted, hn.Name, string(from), string(hn.State), hn.StateReason)
	} else if err := r.store.PutNodeset(hn); err != nil {
		logger.Warn().Err(err).Msg("Failed to store headnode")
		return
	}

	if hn.State != from {
		logger.Info().
			Str("headnode", hn.Name).
			Str("from", string(from)).
			Str("to", string(hn.State)).
			Str("reason", hn.StateReason).
			Msg("Headnode changed state")
		metrics.RecordTransition("headnode", string(from), string(hn.State))
		r.publish(events.EventHeadNodeTransition, hn.Name, string(from), string(hn.State), hn.StateReason)
	}
}

func tearDown(req *types.Request) bool {
	switch req.State {
	case types.RequestStateCleanup, types.RequestStateTerminated:
		return true
	}
	return req.Action == types.ActionTerminate
}

// create builds the missing head-node nodeset of an initializing request.
// It returns nil when the request does not need one.
func (r *HeadNodeReconciler) create(req *types.Request) (*types.Nodeset, error) {
	switch req.State {
	case types.RequestStateInitializing:
	case types.RequestStateCleanup, types.RequestStateTerminated:
		return nil, nil
	default:
		if !tearDown(req) {
			r.logger.Error().
				Str("request", req.Name).
				Str("headnode", req.HeadNode).
				Str("state", string(req.State)).
				Msg("Headnode is missing")
		}
		return nil, nil
	}

	nodesets, err := clusterNodesets(r.store, req)
	if err != nil {
		return nil, err
	}
	one := 1
	hn := &types.Nodeset{
		Name:        req.HeadNode,
		Owner:       req.Owner,
		AppType:     nodesets[0].AppType,
		AppRole:     types.AppRoleHeadNode,
		NodeNumber:  &one,
		State:       types.HeadNodeStateNew,
		StateReason: "Headnode requested.",
	}
	return hn, nil
}

func (r *HeadNodeReconciler) instanceName(req *types.Request) string {
	return provision.InstanceName(r.cfg.InstancePrefix, req.Name)
}

func (r *HeadNodeReconciler) terminate(ctx context.Context, req *types.Request, hn *types.Nodeset) {
	r.dropInitializer(req.Name)
	if err := r.backend.Delete(ctx, r.instanceName(req)); err != nil {
		// retried next cycle
		r.logger.Warn().Err(err).Str("request", req.Name).Msg("Failed to tear down headnode")
		return
	}
	hn.State = types.HeadNodeStateTerminated
	hn.StateReason = "Headnode terminated."
	hn.FirstContact = nil
	hn.LastContact = nil
}

func (r *HeadNodeReconciler) dropInitializer(request string) {
	if init, ok := r.initializers[request]; ok {
		init.Cancel()
		delete(r.initializers, request)
	}
}

func (r *HeadNodeReconciler) advance(ctx context.Context, req *types.Request, hn *types.Nodeset) {
	reason := stripContactWarning(hn.StateReason)

	switch hn.State {
	case types.HeadNodeStateNew:
		hn.State, reason = r.boot(ctx, req, hn)
	case types.HeadNodeStateBooting:
		hn.State, reason = r.stateBooting(ctx, req, hn, reason)
	case types.HeadNodeStatePending, types.HeadNodeStateInitializing:
		r.probe(ctx, hn)
		hn.State, reason = r.initialize(ctx, req, hn, reason)
	case types.HeadNodeStateRunning:
		r.probe(ctx, hn)
	case types.HeadNodeStateFailure, types.HeadNodeStateTerminated:
		r.dropInitializer(req.Name)
		return
	default:
		hn.StateReason = fmt.Sprintf("Headnode is in unknown state %q.", hn.State)
		hn.State = types.HeadNodeStateFailure
		return
	}

	hn.StateReason = reason
	if !hn.State.Terminal() {
		hn.State, hn.StateReason = r.checkTimeout(hn)
	}
	if hn.State == types.HeadNodeStateFailure {
		r.dropInitializer(req.Name)
	}
}

func (r *HeadNodeReconciler) boot(ctx context.Context, req *types.Request, hn *types.Nodeset) (types.HeadNodeState, string) {
	inst, err := r.backend.FindOrCreate(ctx, provision.Spec{
		Name:    r.instanceName(req),
		Request: req.Name,
		Owner:   req.Owner,
		AppType: hn.AppType,
	})
	if err != nil {
		return types.HeadNodeStateFailure, fmt.Sprintf("Failure booting headnode: %v", err)
	}
	if inst.Created {
		return types.HeadNodeStateBooting, "Headnode is booting."
	}
	return types.HeadNodeStateBooting, "Found existing headnode."
}

func (r *HeadNodeReconciler) stateBooting(ctx context.Context, req *types.Request, hn *types.Nodeset, reason string) (types.HeadNodeState, string) {
	host, port, err := r.backend.Address(ctx, r.instanceName(req))
	if errors.Is(err, provision.ErrNoAddress) {
		return types.HeadNodeStateBooting, "Waiting for headnode address."
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("request", req.Name).Msg("Could not get headnode address")
		return types.HeadNodeStateBooting, reason
	}

	hn.AppHost = host
	hn.AppPort = port
	if hn.FirstContact == nil {
		now := r.now()
		hn.FirstContact = &now
		hn.LastContact = &now
	}
	if !r.probe(ctx, hn) {
		return types.HeadNodeStateBooting, "Waiting for headnode to accept connections."
	}
	return types.HeadNodeStatePending, "Headnode is up, waiting to be initialized."
}

// probe checks the head node and refreshes last_contact on success
func (r *HeadNodeReconciler) probe(ctx context.Context, hn *types.Nodeset) bool {
	if hn.AppHost == "" {
		return false
	}
	if err := r.backend.Probe(ctx, hn.AppHost, hn.AppPort); err != nil {
		metrics.HeadNodeProbeFailures.Inc()
		r.logger.Debug().Err(err).Str("headnode", hn.Name).Msg("Headnode probe failed")
		return false
	}
	now := r.now()
	hn.LastContact = &now
	return true
}

func (r *HeadNodeReconciler) initialize(ctx context.Context, req *types.Request, hn *types.Nodeset, reason string) (types.HeadNodeState, string) {
	init, ok := r.initializers[req.Name]
	if !ok {
		spec, err := r.initSpec(req, hn)
		if err != nil {
			if storage.IsConnection(err) {
				r.logger.Warn().Err(err).Str("request", req.Name).Msg("Store unavailable, initialization postponed")
				return hn.State, reason
			}
			return types.HeadNodeStateFailure, fmt.Sprintf("Failure initializing headnode: %v", err)
		}
		init, err = r.backend.Initialize(ctx, spec)
		if err != nil {
			return types.HeadNodeStateFailure, fmt.Sprintf("Failure initializing headnode: %v", err)
		}
		r.initializers[req.Name] = init
		return types.HeadNodeStateInitializing, "Initializing headnode."
	}

	done, err := init.Poll(ctx)
	if !done {
		return types.HeadNodeStateInitializing, "Initializing headnode."
	}
	delete(r.initializers, req.Name)
	if err != nil {
		return types.HeadNodeStateFailure, fmt.Sprintf("Failure initializing headnode: %v", err)
	}
	secret, err := init.Secret()
	if err != nil {
		return types.HeadNodeStateFailure, fmt.Sprintf("Could not read the shared secret of the headnode: %v", err)
	}
	hn.AppSecToken = secret
	return types.HeadNodeStateRunning, "Headnode is ready."
}

// initSpec collects the members allowed to log into the head node
func (r *HeadNodeReconciler) initSpec(req *types.Request, hn *types.Nodeset) (provision.InitSpec, error) {
	spec := provision.InitSpec{
		Request:    req.Name,
		Name:       r.instanceName(req),
		Host:       hn.AppHost,
		Port:       hn.AppPort,
		AppType:    hn.AppType,
		SecretFile: provision.SecretFile(r.cfg.SecretDir, req.Name),
		Builder:    r.cfg.BuilderOptions,
	}
	project, err := r.store.GetProject(req.Project)
	if err != nil {
		return spec, fmt.Errorf("project of request: %w", err)
	}
	for _, name := range project.Members {
		user, err := r.store.GetUser(name)
		if err != nil {
			return spec, fmt.Errorf("member of project %s: %w", project.Name, err)
		}
		spec.Members = append(spec.Members, provision.Member{Name: user.Name, PublicKey: user.SSHPubString})
	}
	return spec, nil
}

// checkTimeout fails a head node that has not answered for longer than
// the allowed window and warns once half of it has passed
func (r *HeadNodeReconciler) checkTimeout(hn *types.Nodeset) (types.HeadNodeState, string) {
	if hn.LastContact == nil {
		return hn.State, hn.StateReason
	}
	limit := r.cfg.MaxNoContact
	elapsed := r.now().Sub(*hn.LastContact)

	switch {
	case elapsed > limit:
		return types.HeadNodeStateFailure, fmt.Sprintf("Headnode could not be contacted after %d seconds.", int(limit.Seconds()))
	case elapsed > limit/2:
		remaining := math.Round((limit - elapsed).Seconds())
		return hn.State, hn.StateReason + fmt.Sprintf("%s Waiting for %.0f seconds before declaring failure.)", contactWarning, remaining)
	}
	return hn.State, hn.StateReason
}

func stripContactWarning(reason string) string {
	if i := strings.Index(reason, contactWarning); i >= 0 {
		return reason[:i]
	}
	return reason
}
