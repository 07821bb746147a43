package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/types"
)

// RedisConfig configures RedisStore
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// RedisStore implements Store on a shared Redis server, so the batch
// layer can publish statusraw while the master runs. Each collection is
// one hash: <prefix><collection> -> name -> JSON.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisStore connects to Redis, retrying the initial ping a few times
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "vc3:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	s := &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.Timeout,
		}),
		prefix:  cfg.KeyPrefix,
		timeout: cfg.Timeout,
	}

	logger := log.WithComponent("storage")
	const maxRetries = 3
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = s.Ping(); err == nil {
			return s, nil
		}
		logger.Warn().Err(err).Int("attempt", i+1).Str("addr", cfg.Addr).Msg("Failed to connect to redis")
		if i < maxRetries-1 {
			time.Sleep(time.Second)
		}
	}
	s.client.Close()
	return nil, err
}

// Close closes the Redis connection pool
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the server is reachable
func (s *RedisStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

func (s *RedisStore) key(collection string) string {
	return s.prefix + collection
}

func redisGet[T any](s *RedisStore, collection, name string) (*T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	data, err := s.client.HGet(ctx, s.key(collection), name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(collection, name)
	}
	if err != nil {
		return nil, &ConnectionError{Op: "get", Err: err}
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %q: %w", singular(collection), name, err)
	}
	return &v, nil
}

func redisList[T any](s *RedisStore, collection string) ([]*T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	all, err := s.client.HGetAll(ctx, s.key(collection)).Result()
	if err != nil {
		return nil, &ConnectionError{Op: "list", Err: err}
	}
	items := make([]*T, 0, len(all))
	for name, data := range all {
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s %q: %w", singular(collection), name, err)
		}
		items = append(items, &v)
	}
	return items, nil
}

func redisPut(s *RedisStore, collection, name string, v interface{}) error {
	if name == "" {
		return fmt.Errorf("%s has no name", singular(collection))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.HSet(ctx, s.key(collection), name, data).Err(); err != nil {
		return &ConnectionError{Op: "put", Err: err}
	}
	return nil
}

func redisDelete(s *RedisStore, collection, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.HDel(ctx, s.key(collection), name).Err(); err != nil {
		return &ConnectionError{Op: "delete", Err: err}
	}
	return nil
}

// Request operations
func (s *RedisStore) GetRequest(name string) (*types.Request, error) {
	return redisGet[types.Request](s, CollectionRequests, name)
}

func (s *RedisStore) ListRequests() ([]*types.Request, error) {
	return redisList[types.Request](s, CollectionRequests)
}

func (s *RedisStore) PutRequest(request *types.Request) error {
	return redisPut(s, CollectionRequests, request.Name, request)
}

func (s *RedisStore) DeleteRequest(name string) error {
	return redisDelete(s, CollectionRequests, name)
}

// Allocation operations
func (s *RedisStore) GetAllocation(name string) (*types.Allocation, error) {
	return redisGet[types.Allocation](s, CollectionAllocations, name)
}

func (s *RedisStore) ListAllocations() ([]*types.Allocation, error) {
	return redisList[types.Allocation](s, CollectionAllocations)
}

func (s *RedisStore) PutAllocation(allocation *types.Allocation) error {
	return redisPut(s, CollectionAllocations, allocation.Name, allocation)
}

func (s *RedisStore) DeleteAllocation(name string) error {
	return redisDelete(s, CollectionAllocations, name)
}

// Resource operations
func (s *RedisStore) GetResource(name string) (*types.Resource, error) {
	return redisGet[types.Resource](s, CollectionResources, name)
}

func (s *RedisStore) ListResources() ([]*types.Resource, error) {
	return redisList[types.Resource](s, CollectionResources)
}

func (s *RedisStore) PutResource(resource *types.Resource) error {
	return redisPut(s, CollectionResources, resource.Name, resource)
}

func (s *RedisStore) DeleteResource(name string) error {
	return redisDelete(s, CollectionResources, name)
}

// Environment operations
func (s *RedisStore) GetEnvironment(name string) (*types.Environment, error) {
	return redisGet[types.Environment](s, CollectionEnvironments, name)
}

func (s *RedisStore) ListEnvironments() ([]*types.Environment, error) {
	return redisList[types.Environment](s, CollectionEnvironments)
}

func (s *RedisStore) PutEnvironment(environment *types.Environment) error {
	return redisPut(s, CollectionEnvironments, environment.Name, environment)
}

func (s *RedisStore) DeleteEnvironment(name string) error {
	return redisDelete(s, CollectionEnvironments, name)
}

// Cluster operations
func (s *RedisStore) GetCluster(name string) (*types.Cluster, error) {
	return redisGet[types.Cluster](s, CollectionClusters, name)
}

func (s *RedisStore) ListClusters() ([]*types.Cluster, error) {
	return redisList[types.Cluster](s, CollectionClusters)
}

func (s *RedisStore) PutCluster(cluster *types.Cluster) error {
	return redisPut(s, CollectionClusters, cluster.Name, cluster)
}

func (s *RedisStore) DeleteCluster(name string) error {
	return redisDelete(s, CollectionClusters, name)
}

// Nodeset operations
func (s *RedisStore) GetNodeset(name string) (*types.Nodeset, error) {
	return redisGet[types.Nodeset](s, CollectionNodesets, name)
}

func (s *RedisStore) ListNodesets() ([]*types.Nodeset, error) {
	return redisList[types.Nodeset](s, CollectionNodesets)
}

func (s *RedisStore) PutNodeset(nodeset *types.Nodeset) error {
	return redisPut(s, CollectionNodesets, nodeset.Name, nodeset)
}

func (s *RedisStore) DeleteNodeset(name string) error {
	return redisDelete(s, CollectionNodesets, name)
}

// Project operations
func (s *RedisStore) GetProject(name string) (*types.Project, error) {
	return redisGet[types.Project](s, CollectionProjects, name)
}

func (s *RedisStore) ListProjects() ([]*types.Project, error) {
	return redisList[types.Project](s, CollectionProjects)
}

func (s *RedisStore) PutProject(project *types.Project) error {
	return redisPut(s, CollectionProjects, project.Name, project)
}

func (s *RedisStore) DeleteProject(name string) error {
	return redisDelete(s, CollectionProjects, name)
}

// User operations
func (s *RedisStore) GetUser(name string) (*types.User, error) {
	return redisGet[types.User](s, CollectionUsers, name)
}

func (s *RedisStore) ListUsers() ([]*types.User, error) {
	return redisList[types.User](s, CollectionUsers)
}

func (s *RedisStore) PutUser(user *types.User) error {
	return redisPut(s, CollectionUsers, user.Name, user)
}

func (s *RedisStore) DeleteUser(name string) error {
	return redisDelete(s, CollectionUsers, name)
}
