package reconciler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/vc3-project/vc3-master/pkg/events"
	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/metrics"
	"github.com/vc3-project/vc3-master/pkg/security"
	"github.com/vc3-project/vc3-master/pkg/sshprobe"
	"github.com/vc3-project/vc3-master/pkg/storage"
	"github.com/vc3-project/vc3-master/pkg/types"
)

const reasonAwaitingValidation = "waiting to be validated"

// KeyIssuer hands out SSH key pairs for a principal
type KeyIssuer interface {
	IssueKeys(principal string) (*security.KeyPair, error)
}

// Prober checks that a login works
type Prober interface {
	Probe(ctx context.Context, target sshprobe.Target) error
}

// AllocationReconciler issues credentials for allocations and validates
// them against their resource
type AllocationReconciler struct {
	base
	keys   KeyIssuer
	prober Prober
	logger zerolog.Logger
}

// NewAllocationReconciler creates an allocation reconciler
func NewAllocationReconciler(store storage.Store, keys KeyIssuer, prober Prober, opts ...Option) *AllocationReconciler {
	return &AllocationReconciler{
		base:   newBase(store, opts),
		keys:   keys,
		prober: prober,
		logger: log.WithComponent("allocations"),
	}
}

// HandleAllocations runs one reconciliation pass over every allocation
func (r *AllocationReconciler) HandleAllocations(ctx context.Context) error {
	allocations, err := r.store.ListAllocations()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Could not list allocations, skipping cycle")
		return fmt.Errorf("failed to list allocations: %w", err)
	}
	for _, a := range allocations {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.process(ctx, a)
	}
	return nil
}

type allocationSnapshot struct {
	state     types.AllocationState
	reason    string
	action    types.Action
	pub, priv string
}

func snapshotAllocation(a *types.Allocation) allocationSnapshot {
	return allocationSnapshot{a.State, a.StateReason, a.Action, a.PubToken, a.PrivToken}
}

func (r *AllocationReconciler) process(ctx context.Context, a *types.Allocation) {
	logger := log.WithAllocation(r.logger, a.Name)
	before := snapshotAllocation(a)

	if before.state == "" {
		a.State = types.AllocationStateNew
	}

	switch a.State {
	case types.AllocationStateNew:
		r.issue(a)
	case types.AllocationStateConfigured:
		if err := r.validate(ctx, a); err != nil {
			logger.Warn().Err(err).Msg("Store unavailable during validation, will retry")
		}
	case types.AllocationStateValidationFailure:
		if a.Action == types.ActionValidate {
			// the action stays armed so the next cycle probes again
			a.State = types.AllocationStateConfigured
			a.StateReason = reasonAwaitingValidation
		}
	case types.AllocationStateReady, types.AllocationStateFailure:
	default:
		logger.Error().Str("state", string(a.State)).Msg("Allocation has unknown state")
		return
	}

	if snapshotAllocation(a) == before {
		return
	}
	if err := r.store.PutAllocation(a); err != nil {
		logger.Warn().Err(err).Msg("Failed to store allocation")
		return
	}
	if a.State != before.state {
		logger.Info().
			Str("from", string(before.state)).
			Str("to", string(a.State)).
			Str("reason", a.StateReason).
			Msg("Allocation changed state")
		metrics.RecordTransition("allocation", string(before.state), string(a.State))
		r.publish(events.EventAllocationTransition, a.Name, string(before.state), string(a.State), a.StateReason)
	}
}

func (r *AllocationReconciler) issue(a *types.Allocation) {
	kp, err := r.keys.IssueKeys(a.Name)
	if err != nil {
		a.State = types.AllocationStateFailure
		a.StateReason = fmt.Sprintf("Failure generating credentials: %v", err)
		return
	}
	a.SecType = string(kp.Type)
	a.PubToken = base64.StdEncoding.EncodeToString(kp.Public)
	a.PrivToken = base64.StdEncoding.EncodeToString(kp.Private)
	a.State = types.AllocationStateConfigured
	a.StateReason = reasonAwaitingValidation
}

// validate handles a configured allocation. The returned error is a store
// failure; the action is re-armed when it happens.
func (r *AllocationReconciler) validate(ctx context.Context, a *types.Allocation) error {
	if a.Action != types.ActionValidate {
		return nil
	}
	a.Action = types.ActionNone

	resource, err := r.store.GetResource(a.Resource)
	if storage.IsNotFound(err) {
		a.State = types.AllocationStateValidationFailure
		a.StateReason = fmt.Sprintf("Resource %s has not been declared.", a.Resource)
		return nil
	}
	if err != nil {
		a.Action = types.ActionValidate
		return err
	}

	if !a.HasCredentials() {
		a.State = types.AllocationStateValidationFailure
		a.StateReason = "Allocation has no credentials."
		return nil
	}

	if resource.AccessMethod != types.AccessMethodSSH {
		a.State = types.AllocationStateReady
		a.StateReason = "Allocation is ready."
		return nil
	}

	if reason, ok := r.probe(ctx, a, resource); !ok {
		a.State = types.AllocationStateValidationFailure
		a.StateReason = reason
		return nil
	}
	a.State = types.AllocationStateReady
	a.StateReason = "Allocation is ready."
	return nil
}

// probe logs into the resource with the allocation's key and returns the
// failure reason if it did not work
func (r *AllocationReconciler) probe(ctx context.Context, a *types.Allocation, resource *types.Resource) (string, bool) {
	pem, err := base64.StdEncoding.DecodeString(a.PrivToken)
	if err != nil {
		return fmt.Sprintf("Allocation credentials are corrupt: %v", err), false
	}
	signer, err := security.ParsePrivateKey(pem)
	if err != nil {
		return fmt.Sprintf("Allocation credentials are corrupt: %v", err), false
	}

	target := sshprobe.Target{
		Host:   resource.AccessHost,
		Port:   resource.AccessPort,
		User:   a.AccountName,
		Signer: signer,
	}
	err = r.prober.Probe(ctx, target)
	var exitErr *sshprobe.ExitError
	switch {
	case err == nil:
		return "", true
	case errors.As(err, &exitErr):
		return fmt.Sprintf("Validation command on %s failed with exit code %d.", target.Addr(), exitErr.Code), false
	default:
		return fmt.Sprintf("Could not log into %s as %s: %v", target.Addr(), a.AccountName, err), false
	}
}
