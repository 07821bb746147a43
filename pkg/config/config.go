// Package config loads the master's YAML configuration file.
//
// Values missing from the file are filled from Default with mergo, so a
// file only needs the keys it changes. Durations are written as Go
// duration strings ("10s", "10m").
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/vc3-project/vc3-master/pkg/provision"
	"gopkg.in/yaml.v3"
)

// Task kinds a taskset can run
const (
	TaskHandleAllocations = "HandleAllocations"
	TaskHandleHeadNodes   = "HandleHeadNodes"
	TaskHandleRequests    = "HandleRequests"
)

// TaskKinds lists every known task kind
var TaskKinds = []string{TaskHandleAllocations, TaskHandleHeadNodes, TaskHandleRequests}

// Store drivers
const (
	DriverBolt  = "bolt"
	DriverRedis = "redis"
)

// Config is the whole master configuration
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Builder     BuilderConfig     `yaml:"builder"`
	HeadNode    HeadNodeConfig    `yaml:"headnode"`
	TaskSets    []TaskSetConfig   `yaml:"tasksets"`
	API         APIConfig         `yaml:"api"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// StoreConfig selects the entity store
type StoreConfig struct {
	Driver  string        `yaml:"driver"`
	Path    string        `yaml:"path"` // bolt data directory
	Timeout time.Duration `yaml:"timeout"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the shared redis store
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CredentialsConfig configures allocation key issuance
type CredentialsConfig struct {
	Dir     string `yaml:"dir"`
	KeyType string `yaml:"key_type"`

	// ValidateTimeout bounds the SSH login made when an allocation is
	// validated
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
}

// BuilderConfig configures the pilot builder
type BuilderConfig struct {
	Path    string            `yaml:"path"`
	Options map[string]string `yaml:"options"` // handed to the head-node initializer
}

// HeadNodeConfig configures head-node provisioning
type HeadNodeConfig struct {
	Backend        string        `yaml:"backend"`
	InstancePrefix string        `yaml:"instance_prefix"`
	MaxNoContact   time.Duration `yaml:"max_no_contact"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	LoginUser      string        `yaml:"login_user"`
	PrivateKeyFile string        `yaml:"private_key_file"`
	SecretDir      string        `yaml:"secret_dir"`

	Playbook   PlaybookConfig   `yaml:"playbook"`
	Batch      BatchConfig      `yaml:"batch"`
	Cloud      CloudConfig      `yaml:"cloud"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Local      LocalConfig      `yaml:"local"`
}

// PlaybookConfig configures the Ansible initializer
type PlaybookConfig struct {
	Binary    string `yaml:"binary"`
	Path      string `yaml:"path"`
	WorkDir   string `yaml:"workdir"`
	ExtraArgs string `yaml:"extra_args"`
	LogFile   string `yaml:"log_file"`
}

// BatchConfig configures the static login-host backend
type BatchConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ProbeCommand string `yaml:"probe_command"`
}

// CloudConfig configures the EC2 backend
type CloudConfig struct {
	Region           string   `yaml:"region"`
	Endpoint         string   `yaml:"endpoint"`
	AccessKeyID      string   `yaml:"access_key_id"`
	SecretAccessKey  string   `yaml:"secret_access_key"`
	ImageID          string   `yaml:"image_id"`
	InstanceType     string   `yaml:"instance_type"`
	KeyName          string   `yaml:"key_name"`
	SecurityGroupIDs []string `yaml:"security_group_ids"`
	SubnetID         string   `yaml:"subnet_id"`
	UserData         string   `yaml:"user_data"`
	UsePublicIP      bool     `yaml:"use_public_ip"`
	Port             int      `yaml:"port"`
}

// KubernetesConfig configures the login-pod backend
type KubernetesConfig struct {
	Kubeconfig  string `yaml:"kubeconfig"`
	Image       string `yaml:"image"`
	NodeAddress string `yaml:"node_address"`
}

// LocalConfig configures the containerd backend
type LocalConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
	Image     string `yaml:"image"`
	Host      string `yaml:"host"`
	BasePort  int    `yaml:"base_port"`
}

// TaskSetConfig is one periodic loop and the tasks it runs, in order
type TaskSetConfig struct {
	Name            string        `yaml:"name"`
	PollingInterval time.Duration `yaml:"polling_interval"`
	Tasks           []string      `yaml:"tasks"`
}

// APIConfig configures the health endpoints. An empty address disables
// the listener.
type APIConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// MetricsConfig configures the gauge collector
type MetricsConfig struct {
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// Default returns the configuration used for every key the file omits
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:  DriverBolt,
			Path:    "/var/lib/vc3-master",
			Timeout: time.Second,
			Redis:   RedisConfig{Addr: "localhost:6379", KeyPrefix: "vc3:"},
		},
		Credentials: CredentialsConfig{
			Dir:             "/var/lib/vc3-master/credentials",
			KeyType:         "rsa",
			ValidateTimeout: 10 * time.Second,
		},
		Builder: BuilderConfig{Path: "vc3-builder"},
		HeadNode: HeadNodeConfig{
			Backend:        string(provision.KindBatch),
			InstancePrefix: "vc3-headnode-",
			MaxNoContact:   600 * time.Second,
			ProbeTimeout:   10 * time.Second,
			LoginUser:      "root",
			SecretDir:      "/tmp",
			Playbook:       PlaybookConfig{Binary: provision.DefaultPlaybookBinary},
		},
		TaskSets: []TaskSetConfig{{
			Name:            "vc3core",
			PollingInterval: 10 * time.Second,
			Tasks:           []string{TaskHandleAllocations, TaskHandleHeadNodes, TaskHandleRequests},
		}},
		API:     APIConfig{HTTPAddr: ":9090"},
		Metrics: MetricsConfig{CollectInterval: 15 * time.Second},
	}
}

// Load reads path and fills the gaps from Default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	for i := range cfg.TaskSets {
		if cfg.TaskSets[i].PollingInterval == 0 {
			cfg.TaskSets[i].PollingInterval = Default().TaskSets[0].PollingInterval
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component accepts
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverBolt, DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}
	if !provision.Kind(c.HeadNode.Backend).Valid() {
		errs = append(errs, fmt.Errorf("headnode: unknown backend %q", c.HeadNode.Backend))
	}
	if c.Credentials.ValidateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("credentials: validate_timeout must be positive"))
	}
	if c.HeadNode.MaxNoContact <= 0 {
		errs = append(errs, fmt.Errorf("headnode: max_no_contact must be positive"))
	}
	if c.Metrics.CollectInterval <= 0 {
		errs = append(errs, fmt.Errorf("metrics: collect_interval must be positive"))
	}

	if len(c.TaskSets) == 0 {
		errs = append(errs, fmt.Errorf("no tasksets configured"))
	}
	seen := make(map[string]bool)
	for _, ts := range c.TaskSets {
		if ts.Name == "" {
			errs = append(errs, fmt.Errorf("taskset without a name"))
		} else if seen[ts.Name] {
			errs = append(errs, fmt.Errorf("taskset %s: declared twice", ts.Name))
		}
		seen[ts.Name] = true
		if ts.PollingInterval <= 0 {
			errs = append(errs, fmt.Errorf("taskset %s: polling_interval must be positive", ts.Name))
		}
		for _, task := range ts.Tasks {
			if !knownTask(task) {
				errs = append(errs, fmt.Errorf("taskset %s: unknown task %q (known: %s)",
					ts.Name, task, strings.Join(TaskKinds, ", ")))
			}
		}
	}
	return errors.Join(errs...)
}

func knownTask(name string) bool {
	for _, k := range TaskKinds {
		if k == name {
			return true
		}
	}
	return false
}
