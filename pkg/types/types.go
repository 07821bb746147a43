package types

import (
	"time"
)

// Resource is a compute site that allocations grant access to
type Resource struct {
	Name         string       `json:"name" yaml:"name"`
	Owner        string       `json:"owner" yaml:"owner"`
	AccessType   AccessType   `json:"accesstype" yaml:"accesstype"`
	AccessMethod AccessMethod `json:"accessmethod" yaml:"accessmethod"`
	AccessFlavor string       `json:"accessflavor" yaml:"accessflavor"` // batch system flavor, e.g. "slurm"
	AccessHost   string       `json:"accesshost" yaml:"accesshost"`
	AccessPort   int          `json:"accessport" yaml:"accessport"`
	NodeInfo     *NodeInfo    `json:"nodeinfo,omitempty" yaml:"nodeinfo,omitempty"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// AccessType selects how workers are submitted to a resource
type AccessType string

const (
	AccessTypeBatch AccessType = "batch"
	AccessTypeCloud AccessType = "cloud"
	AccessTypeLocal AccessType = "local"
)

// AccessMethod selects how the master authenticates to a resource
type AccessMethod string

const (
	AccessMethodSSH    AccessMethod = "ssh"
	AccessMethodGSISSH AccessMethod = "gsissh"
	AccessMethodLocal  AccessMethod = "local"
)

// NodeInfo describes the size of a single worker node on a resource
type NodeInfo struct {
	Cores     int `json:"cores" yaml:"cores"`
	MemoryMB  int `json:"memory_mb" yaml:"memory_mb"` // per core
	StorageMB int `json:"storage_mb" yaml:"storage_mb"`
}

// Default node sizing used when a resource does not declare one
const (
	DefaultCores     = 1
	DefaultMemoryMB  = 1024
	DefaultStorageMB = 1024
)

// Size returns the node sizing of the resource, filling in defaults
func (r *Resource) Size() NodeInfo {
	info := NodeInfo{Cores: DefaultCores, MemoryMB: DefaultMemoryMB, StorageMB: DefaultStorageMB}
	if r.NodeInfo == nil {
		return info
	}
	if r.NodeInfo.Cores > 0 {
		info.Cores = r.NodeInfo.Cores
	}
	if r.NodeInfo.MemoryMB > 0 {
		info.MemoryMB = r.NodeInfo.MemoryMB
	}
	if r.NodeInfo.StorageMB > 0 {
		info.StorageMB = r.NodeInfo.StorageMB
	}
	return info
}

// Allocation is a user's account on a Resource
type Allocation struct {
	Name        string          `json:"name" yaml:"name"`
	Owner       string          `json:"owner" yaml:"owner"`
	Resource    string          `json:"resource" yaml:"resource"`
	AccountName string          `json:"accountname" yaml:"accountname"`
	State       AllocationState `json:"state" yaml:"state"`
	StateReason string          `json:"state_reason" yaml:"state_reason"`
	SecType     string          `json:"sectype,omitempty" yaml:"sectype,omitempty"`
	PubToken    string          `json:"pubtoken,omitempty" yaml:"pubtoken,omitempty"`   // base64
	PrivToken   string          `json:"privtoken,omitempty" yaml:"privtoken,omitempty"` // base64
	Action      Action          `json:"action,omitempty" yaml:"action,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
}

// HasCredentials reports whether key material has been issued
func (a *Allocation) HasCredentials() bool {
	return a.PubToken != "" && a.PrivToken != ""
}

// Environment is a software environment installed on every worker
type Environment struct {
	Name             string            `json:"name" yaml:"name"`
	Owner            string            `json:"owner" yaml:"owner"`
	PackageList      []string          `json:"packagelist,omitempty" yaml:"packagelist,omitempty"`
	EnvMap           map[string]string `json:"envmap,omitempty" yaml:"envmap,omitempty"`
	Command          string            `json:"command,omitempty" yaml:"command,omitempty"`
	BuilderExtraArgs string            `json:"builder_extra_args,omitempty" yaml:"builder_extra_args,omitempty"`
	RequiredOS       string            `json:"required_os,omitempty" yaml:"required_os,omitempty"`
}

// Nodeset is a group of identical nodes in a cluster. Head nodes are
// nodesets too; the runtime attributes are only set for them.
type Nodeset struct {
	Name        string  `json:"name" yaml:"name"`
	Owner       string  `json:"owner" yaml:"owner"`
	AppType     AppType `json:"app_type" yaml:"app_type"`
	AppRole     AppRole `json:"app_role" yaml:"app_role"`
	NodeNumber  *int    `json:"node_number,omitempty" yaml:"node_number,omitempty"`
	Environment string  `json:"environment,omitempty" yaml:"environment,omitempty"`

	State        HeadNodeState `json:"state,omitempty" yaml:"state,omitempty"`
	StateReason  string        `json:"state_reason,omitempty" yaml:"state_reason,omitempty"`
	AppHost      string        `json:"app_host,omitempty" yaml:"app_host,omitempty"`
	AppPort      int           `json:"app_port,omitempty" yaml:"app_port,omitempty"`
	AppSecToken  string        `json:"app_sectoken,omitempty" yaml:"app_sectoken,omitempty"`
	FirstContact *time.Time    `json:"first_contact,omitempty" yaml:"first_contact,omitempty"`
	LastContact  *time.Time    `json:"last_contact,omitempty" yaml:"last_contact,omitempty"`
}

// Nodes returns node_number, treating an unset value as zero
func (n *Nodeset) Nodes() int {
	if n.NodeNumber == nil || *n.NodeNumber < 0 {
		return 0
	}
	return *n.NodeNumber
}

// AppType is the middleware a nodeset runs
type AppType string

const (
	AppTypeHTCondor  AppType = "htcondor"
	AppTypeWorkQueue AppType = "workqueue"
	AppTypeSpark     AppType = "spark"
)

// AppRole distinguishes head nodes from workers
type AppRole string

const (
	AppRoleHeadNode    AppRole = "head-node"
	AppRoleWorkerNodes AppRole = "worker-nodes"
)

// Cluster is a topology template: an ordered list of nodesets
type Cluster struct {
	Name        string   `json:"name" yaml:"name"`
	Owner       string   `json:"owner" yaml:"owner"`
	Nodesets    []string `json:"nodesets" yaml:"nodesets"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Project groups users and the allocations they share
type Project struct {
	Name        string   `json:"name" yaml:"name"`
	Owner       string   `json:"owner" yaml:"owner"`
	Members     []string `json:"members" yaml:"members"`
	Allocations []string `json:"allocations" yaml:"allocations"`
}

// HasAllocation reports whether the allocation is owned by the project
func (p *Project) HasAllocation(name string) bool {
	for _, a := range p.Allocations {
		if a == name {
			return true
		}
	}
	return false
}

// User is a person allowed to log into head nodes
type User struct {
	Name         string `json:"name" yaml:"name"`
	SSHPubString string `json:"sshpubstring" yaml:"sshpubstring"`
	IdentityID   string `json:"identity_id,omitempty" yaml:"identity_id,omitempty"`
}

// Request is a user's declaration of a virtual cluster
type Request struct {
	Name         string       `json:"name" yaml:"name"`
	Owner        string       `json:"owner" yaml:"owner"`
	Project      string       `json:"project" yaml:"project"`
	Cluster      string       `json:"cluster" yaml:"cluster"`
	Allocations  []string     `json:"allocations" yaml:"allocations"`
	Environments []string     `json:"environments,omitempty" yaml:"environments,omitempty"`
	Action       Action       `json:"action,omitempty" yaml:"action,omitempty"`
	Expiration   *time.Time   `json:"expiration,omitempty" yaml:"expiration,omitempty"`
	HeadNode     string       `json:"headnode,omitempty" yaml:"headnode,omitempty"`
	State        RequestState `json:"state" yaml:"state"`
	StateReason  string       `json:"state_reason" yaml:"state_reason"`

	// Written by the batch layer
	StatusRaw StatusRaw `json:"statusraw,omitempty" yaml:"statusraw,omitempty"`

	// Derived by the master
	StatusInfo StatusInfo `json:"statusinfo,omitempty" yaml:"statusinfo,omitempty"`
	QueuesConf string     `json:"queuesconf,omitempty" yaml:"queuesconf,omitempty"`
	AuthConf   string     `json:"authconf,omitempty" yaml:"authconf,omitempty"`
}

// Expired reports whether the request expiration is not after now
func (r *Request) Expired(now time.Time) bool {
	return r.Expiration != nil && !now.Before(*r.Expiration)
}

// Action is a user intent attached to an entity
type Action string

const (
	ActionNone      Action = ""
	ActionRun       Action = "run"
	ActionTerminate Action = "terminate"
	ActionRelaunch  Action = "relaunch"
	ActionValidate  Action = "validate"
)
