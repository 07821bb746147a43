// Package master wires the store, the head-node backend, the reconcilers
// and the tasksets into one running process.
package master

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vc3-project/vc3-master/pkg/api"
	"github.com/vc3-project/vc3-master/pkg/config"
	"github.com/vc3-project/vc3-master/pkg/events"
	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/metrics"
	"github.com/vc3-project/vc3-master/pkg/provision"
	"github.com/vc3-project/vc3-master/pkg/reconciler"
	"github.com/vc3-project/vc3-master/pkg/scheduler"
	"github.com/vc3-project/vc3-master/pkg/security"
	"github.com/vc3-project/vc3-master/pkg/sshprobe"
	"github.com/vc3-project/vc3-master/pkg/storage"
)

// Master owns every long-running component
type Master struct {
	cfg     *config.Config
	store   storage.Store
	backend provision.Backend
	broker  *events.Broker
	logger  zerolog.Logger

	allocations *reconciler.AllocationReconciler
	headnodes   *reconciler.HeadNodeReconciler
	requests    *reconciler.RequestReconciler

	tasksets  []*scheduler.TaskSet
	collector *metrics.Collector
	http      *api.HealthServer
	grpc      *api.GRPCHealth

	started  bool
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option overrides a component built from the configuration
type Option func(*options)

type options struct {
	store   storage.Store
	backend provision.Backend
	clock   func() time.Time
}

// WithStore uses store instead of opening the configured one
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithBackend uses backend instead of building the configured one
func WithBackend(backend provision.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithClock sets the time source of the reconcilers
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New builds a master from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Master, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var err error
	store := o.store
	if store == nil {
		if store, err = OpenStore(cfg.Store); err != nil {
			return nil, err
		}
	}
	backend := o.backend
	if backend == nil {
		if backend, err = NewBackend(ctx, cfg.HeadNode); err != nil {
			store.Close()
			return nil, err
		}
	}

	keys, err := security.NewKeyManager(cfg.Credentials.Dir, security.KeyType(cfg.Credentials.KeyType))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("credentials: %w", err)
	}

	m := &Master{
		cfg:     cfg,
		store:   store,
		backend: backend,
		broker:  events.NewBroker(),
		logger:  log.WithComponent("master"),
		stopCh:  make(chan struct{}),
	}

	ropts := []reconciler.Option{reconciler.WithPublisher(m.broker)}
	if o.clock != nil {
		ropts = append(ropts, reconciler.WithClock(o.clock))
	}
	m.allocations = reconciler.NewAllocationReconciler(store, keys, sshprobe.New(cfg.Credentials.ValidateTimeout), ropts...)
	m.headnodes = reconciler.NewHeadNodeReconciler(store, backend, reconciler.HeadNodeConfig{
		InstancePrefix: cfg.HeadNode.InstancePrefix,
		MaxNoContact:   cfg.HeadNode.MaxNoContact,
		SecretDir:      cfg.HeadNode.SecretDir,
		BuilderOptions: cfg.Builder.Options,
	}, ropts...)
	m.requests = reconciler.NewRequestReconciler(store, reconciler.NewGenerator(cfg.Builder.Path), ropts...)

	tasks := m.Tasks()
	for _, tc := range cfg.TaskSets {
		list := make([]scheduler.Task, 0, len(tc.Tasks))
		for _, name := range tc.Tasks {
			task, ok := tasks[name]
			if !ok {
				store.Close()
				return nil, fmt.Errorf("taskset %s: unknown task %q", tc.Name, name)
			}
			list = append(list, task)
		}
		ts, err := scheduler.New(tc.Name, tc.PollingInterval, list)
		if err != nil {
			store.Close()
			return nil, err
		}
		m.tasksets = append(m.tasksets, ts)
	}

	m.collector = metrics.NewCollector(store, cfg.Metrics.CollectInterval)
	if cfg.API.HTTPAddr != "" {
		m.http = api.NewHealthServer()
	}
	if cfg.API.GRPCAddr != "" {
		m.grpc = api.NewGRPCHealth()
	}
	return m, nil
}

// Tasks returns every task the configuration can name, keyed by kind
func (m *Master) Tasks() map[string]scheduler.Task {
	return map[string]scheduler.Task{
		config.TaskHandleAllocations: scheduler.TaskFunc(config.TaskHandleAllocations, m.allocations.HandleAllocations),
		config.TaskHandleHeadNodes:   scheduler.TaskFunc(config.TaskHandleHeadNodes, m.headnodes.HandleHeadNodes),
		config.TaskHandleRequests:    scheduler.TaskFunc(config.TaskHandleRequests, m.requests.HandleRequests),
	}
}

// TaskSets returns the configured tasksets
func (m *Master) TaskSets() []*scheduler.TaskSet {
	return m.tasksets
}

// Store returns the entity store
func (m *Master) Store() storage.Store {
	return m.store
}

// Broker returns the event broker
func (m *Master) Broker() *events.Broker {
	return m.broker
}

// Start launches the tasksets, the collector and the API listeners
func (m *Master) Start(ctx context.Context) error {
	metrics.RegisterComponent(metrics.ComponentStore, true, "")
	metrics.RegisterComponent(metrics.ComponentScheduler, false, "starting")
	metrics.RegisterComponent(metrics.ComponentBackend, true, string(m.backend.Kind()))

	m.broker.Start()
	m.logEvents()

	if err := m.listen(); err != nil {
		m.broker.Stop()
		return err
	}

	for _, ts := range m.tasksets {
		ts.Start(ctx)
	}
	m.collector.Start()
	m.started = true
	m.watchHealth()

	m.logger.Info().
		Int("tasksets", len(m.tasksets)).
		Str("backend", string(m.backend.Kind())).
		Msg("Master started")
	return nil
}

func (m *Master) listen() error {
	if m.http != nil {
		ln, err := net.Listen("tcp", m.cfg.API.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", m.cfg.API.HTTPAddr, err)
		}
		m.serve("http", func() error { return m.http.Serve(ln) })
	}
	if m.grpc != nil {
		ln, err := net.Listen("tcp", m.cfg.API.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", m.cfg.API.GRPCAddr, err)
		}
		m.serve("grpc", func() error { return m.grpc.Serve(ln) })
	}
	return nil
}

func (m *Master) serve(name string, fn func() error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := fn(); err != nil {
			m.logger.Error().Err(err).Str("server", name).Msg("API server stopped")
		}
	}()
}

// logEvents writes every published transition to the log
func (m *Master) logEvents() {
	sub := m.broker.Subscribe()
	logger := log.WithComponent("events")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case e, ok := <-sub:
				if !ok {
					return
				}
				logger.Info().
					Str("type", string(e.Type)).
					Str("entity", e.Entity).
					Str("from", e.From).
					Str("to", e.To).
					Str("reason", e.Message).
					Msg("Event")
			case <-m.stopCh:
				m.broker.Unsubscribe(sub)
				return
			}
		}
	}()
}

// watchHealth refreshes the component registry on the collector interval
func (m *Master) watchHealth() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Metrics.CollectInterval)
		defer ticker.Stop()
		m.CheckHealth()
		for {
			select {
			case <-ticker.C:
				m.CheckHealth()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// CheckHealth updates the store and scheduler components once
func (m *Master) CheckHealth() {
	if err := m.store.Ping(); err != nil {
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
	} else {
		metrics.UpdateComponent(metrics.ComponentStore, true, "")
	}

	stopped := ""
	for _, ts := range m.tasksets {
		if !ts.Running() {
			stopped = ts.Name()
			break
		}
	}
	if stopped != "" {
		metrics.UpdateComponent(metrics.ComponentScheduler, false, "taskset "+stopped+" is not running")
	} else {
		metrics.UpdateComponent(metrics.ComponentScheduler, true, "")
	}

	if m.grpc != nil {
		m.grpc.Sync()
	}
}

// RunOnce runs every taskset once, in configuration order
func (m *Master) RunOnce(ctx context.Context) {
	for _, ts := range m.tasksets {
		ts.RunOnce(ctx)
	}
}

// Stop stops every taskset and waits for running tasks to return, then
// shuts down the listeners and releases the backend and the store
func (m *Master) Stop() error {
	var errs []error
	m.stopOnce.Do(func() {
		for _, ts := range m.tasksets {
			ts.Stop()
		}
		for _, ts := range m.tasksets {
			ts.Join()
		}
		m.headnodes.Shutdown()
		if m.started {
			m.collector.Stop()
		}

		if m.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.http.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("health server: %w", err))
			}
			cancel()
		}
		if m.grpc != nil {
			m.grpc.Stop()
		}

		close(m.stopCh)
		m.wg.Wait()
		m.broker.Stop()

		if c, ok := m.backend.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("backend: %w", err))
			}
		}
		if err := m.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		m.logger.Info().Msg("Master stopped")
	})
	return errors.Join(errs...)
}
