package storage

import (
	"github.com/vc3-project/vc3-master/pkg/types"
)

// Store defines the entity store contract shared by the reconcilers and
// the admin commands. Get returns an error wrapping ErrNotFound when the
// entity does not exist; failures to reach the backend are reported as
// *ConnectionError.
type Store interface {
	// Requests
	GetRequest(name string) (*types.Request, error)
	ListRequests() ([]*types.Request, error)
	PutRequest(request *types.Request) error
	DeleteRequest(name string) error

	// Allocations
	GetAllocation(name string) (*types.Allocation, error)
	ListAllocations() ([]*types.Allocation, error)
	PutAllocation(allocation *types.Allocation) error
	DeleteAllocation(name string) error

	// Resources
	GetResource(name string) (*types.Resource, error)
	ListResources() ([]*types.Resource, error)
	PutResource(resource *types.Resource) error
	DeleteResource(name string) error

	// Environments
	GetEnvironment(name string) (*types.Environment, error)
	ListEnvironments() ([]*types.Environment, error)
	PutEnvironment(environment *types.Environment) error
	DeleteEnvironment(name string) error

	// Clusters
	GetCluster(name string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	PutCluster(cluster *types.Cluster) error
	DeleteCluster(name string) error

	// Nodesets
	GetNodeset(name string) (*types.Nodeset, error)
	ListNodesets() ([]*types.Nodeset, error)
	PutNodeset(nodeset *types.Nodeset) error
	DeleteNodeset(name string) error

	// Projects
	GetProject(name string) (*types.Project, error)
	ListProjects() ([]*types.Project, error)
	PutProject(project *types.Project) error
	DeleteProject(name string) error

	// Users
	GetUser(name string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	PutUser(user *types.User) error
	DeleteUser(name string) error

	// Utility
	Ping() error
	Close() error
}

// Collection names, shared by every backend
const (
	CollectionRequests     = "requests"
	CollectionAllocations  = "allocations"
	CollectionResources    = "resources"
	CollectionEnvironments = "environments"
	CollectionClusters     = "clusters"
	CollectionNodesets     = "nodesets"
	CollectionProjects     = "projects"
	CollectionUsers        = "users"
)

// Collections lists every collection in a stable order
var Collections = []string{
	CollectionRequests,
	CollectionAllocations,
	CollectionResources,
	CollectionEnvironments,
	CollectionClusters,
	CollectionNodesets,
	CollectionProjects,
	CollectionUsers,
}
