package reconciler

import (
	"errors"

	"github.com/vc3-project/vc3-master/pkg/security"
	"github.com/vc3-project/vc3-master/pkg/storage"
	"github.com/vc3-project/vc3-master/pkg/types"
)

// ValidateRequest checks a new request against its project and cluster.
// Every problem found is reported in one *InvalidRequestError; store
// failures are returned as they are.
func ValidateRequest(store storage.Store, request *types.Request) error {
	problems := &InvalidRequestError{}

	var project *types.Project
	if request.Project == "" {
		problems.Add("Request %s does not belong to any project.", request.Name)
	} else {
		p, err := store.GetProject(request.Project)
		switch {
		case storage.IsNotFound(err):
			problems.Add("Project %s has not been declared.", request.Project)
		case err != nil:
			return err
		default:
			project = p
		}
	}

	if project != nil {
		if len(project.Members) == 0 {
			problems.Add("Project %s has no members.", project.Name)
		}
		for _, member := range project.Members {
			user, err := store.GetUser(member)
			if storage.IsNotFound(err) {
				problems.Add("User %s has not been declared.", member)
				continue
			}
			if err != nil {
				return err
			}
			if err := security.ValidatePublicKey(user.SSHPubString); err != nil {
				problems.Add("User %s does not have a valid ssh public key (%v).", member, err)
			}
		}
	}

	if len(request.Allocations) == 0 {
		problems.Add("Request %s does not use any allocation.", request.Name)
	}
	if project != nil {
		for _, allocation := range request.Allocations {
			if !project.HasAllocation(allocation) {
				problems.Add("Allocation %s does not belong to project %s.", allocation, project.Name)
			}
		}
	}

	if _, err := clusterNodesets(store, request); err != nil {
		var invalid *InvalidRequestError
		if !errors.As(err, &invalid) {
			return err
		}
		problems.Problems = append(problems.Problems, invalid.Problems...)
	}

	return problems.Err()
}
