package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vc3-project/vc3-master/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// DefaultBoltFile is the database file created inside the data directory
const DefaultBoltFile = "vc3-master.db"

// BoltStore implements Store using BoltDB. One bucket per collection,
// keyed by entity name, values are JSON.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir. Opening
// fails after timeout if another process holds the file lock.
func NewBoltStore(dataDir string, timeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultBoltFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, &ConnectionError{Op: "open", Err: fmt.Errorf("%s is locked by another process: %w", dbPath, err)}
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range Collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is still open
func (s *BoltStore) Ping() error {
	return boltErr("ping", s.db.View(func(tx *bolt.Tx) error { return nil }))
}

func boltErr(op string, err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTimeout) {
		return &ConnectionError{Op: op, Err: err}
	}
	return err
}

func boltGet[T any](s *BoltStore, collection, name string) (*T, error) {
	var v T
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(collection)).Get([]byte(name))
		if data == nil {
			return notFound(collection, name)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, boltErr("get", err)
	}
	return &v, nil
}

func boltList[T any](s *BoltStore, collection string) ([]*T, error) {
	var items []*T
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(collection)).ForEach(func(k, data []byte) error {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return fmt.Errorf("failed to decode %s %q: %w", singular(collection), k, err)
			}
			items = append(items, &v)
			return nil
		})
	})
	return items, boltErr("list", err)
}

func boltPut(s *BoltStore, collection, name string, v interface{}) error {
	if name == "" {
		return fmt.Errorf("%s has no name", singular(collection))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return boltErr("put", s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(collection)).Put([]byte(name), data)
	}))
}

func boltDelete(s *BoltStore, collection, name string) error {
	return boltErr("delete", s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(collection)).Delete([]byte(name))
	}))
}

// Request operations
func (s *BoltStore) GetRequest(name string) (*types.Request, error) {
	return boltGet[types.Request](s, CollectionRequests, name)
}

func (s *BoltStore) ListRequests() ([]*types.Request, error) {
	return boltList[types.Request](s, CollectionRequests)
}

func (s *BoltStore) PutRequest(request *types.Request) error {
	return boltPut(s, CollectionRequests, request.Name, request)
}

func (s *BoltStore) DeleteRequest(name string) error {
	return boltDelete(s, CollectionRequests, name)
}

// Allocation operations
func (s *BoltStore) GetAllocation(name string) (*types.Allocation, error) {
	return boltGet[types.Allocation](s, CollectionAllocations, name)
}

func (s *BoltStore) ListAllocations() ([]*types.Allocation, error) {
	return boltList[types.Allocation](s, CollectionAllocations)
}

func (s *BoltStore) PutAllocation(allocation *types.Allocation) error {
	return boltPut(s, CollectionAllocations, allocation.Name, allocation)
}

func (s *BoltStore) DeleteAllocation(name string) error {
	return boltDelete(s, CollectionAllocations, name)
}

// Resource operations
func (s *BoltStore) GetResource(name string) (*types.Resource, error) {
	return boltGet[types.Resource](s, CollectionResources, name)
}

func (s *BoltStore) ListResources() ([]*types.Resource, error) {
	return boltList[types.Resource](s, CollectionResources)
}

func (s *BoltStore) PutResource(resource *types.Resource) error {
	return boltPut(s, CollectionResources, resource.Name, resource)
}

func (s *BoltStore) DeleteResource(name string) error {
	return boltDelete(s, CollectionResources, name)
}

// Environment operations
func (s *BoltStore) GetEnvironment(name string) (*types.Environment, error) {
	return boltGet[types.Environment](s, CollectionEnvironments, name)
}

func (s *BoltStore) ListEnvironments() ([]*types.Environment, error) {
	return boltList[types.Environment](s, CollectionEnvironments)
}

func (s *BoltStore) PutEnvironment(environment *types.Environment) error {
	return boltPut(s, CollectionEnvironments, environment.Name, environment)
}

func (s *BoltStore) DeleteEnvironment(name string) error {
	return boltDelete(s, CollectionEnvironments, name)
}

// Cluster operations
func (s *BoltStore) GetCluster(name string) (*types.Cluster, error) {
	return boltGet[types.Cluster](s, CollectionClusters, name)
}

func (s *BoltStore) ListClusters() ([]*types.Cluster, error) {
	return boltList[types.Cluster](s, CollectionClusters)
}

func (s *BoltStore) PutCluster(cluster *types.Cluster) error {
	return boltPut(s, CollectionClusters, cluster.Name, cluster)
}

func (s *BoltStore) DeleteCluster(name string) error {
	return boltDelete(s, CollectionClusters, name)
}

// Nodeset operations
func (s *BoltStore) GetNodeset(name string) (*types.Nodeset, error) {
	return boltGet[types.Nodeset](s, CollectionNodesets, name)
}

func (s *BoltStore) ListNodesets() ([]*types.Nodeset, error) {
	return boltList[types.Nodeset](s, CollectionNodesets)
}

func (s *BoltStore) PutNodeset(nodeset *types.Nodeset) error {
	return boltPut(s, CollectionNodesets, nodeset.Name, nodeset)
}

func (s *BoltStore) DeleteNodeset(name string) error {
	return boltDelete(s, CollectionNodesets, name)
}

// Project operations
func (s *BoltStore) GetProject(name string) (*types.Project, error) {
	return boltGet[types.Project](s, CollectionProjects, name)
}

func (s *BoltStore) ListProjects() ([]*types.Project, error) {
	return boltList[types.Project](s, CollectionProjects)
}

func (s *BoltStore) PutProject(project *types.Project) error {
	return boltPut(s, CollectionProjects, project.Name, project)
}

func (s *BoltStore) DeleteProject(name string) error {
	return boltDelete(s, CollectionProjects, name)
}

// User operations
func (s *BoltStore) GetUser(name string) (*types.User, error) {
	return boltGet[types.User](s, CollectionUsers, name)
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	return boltList[types.User](s, CollectionUsers)
}

func (s *BoltStore) PutUser(user *types.User) error {
	return boltPut(s, CollectionUsers, user.Name, user)
}

func (s *BoltStore) DeleteUser(name string) error {
	return boltDelete(s, CollectionUsers, name)
}
