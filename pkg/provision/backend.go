package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vc3-project/vc3-master/pkg/types"
)

// Kind selects a provisioning backend
type Kind string

const (
	KindBatch     Kind = "batch"
	KindCloud     Kind = "cloud"
	KindContainer Kind = "container"
	KindLocal     Kind = "local"
)

// Kinds lists every supported backend kind
var Kinds = []Kind{KindBatch, KindCloud, KindContainer, KindLocal}

// Valid reports whether k is a supported backend kind
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ErrNoAddress is returned by Address while the node has none yet
var ErrNoAddress = errors.New("head node has no address yet")

// Spec describes the head node to boot
type Spec struct {
	Name    string // deterministic instance name
	Request string
	Owner   string
	AppType types.AppType
}

// Instance is a head node known to a backend
type Instance struct {
	Name    string
	ID      string
	State   string
	Created bool // booted by this call rather than found
}

// Member is a user that gets a login on the head node
type Member struct {
	Name      string
	PublicKey string
}

// InitSpec parameterizes the head-node initialization job
type InitSpec struct {
	Request    string
	Name       string
	Host       string
	Port       int
	AppType    types.AppType
	Members    []Member
	SecretFile string
	Builder    map[string]string
}

// Initialization is an asynchronous initialization job
type Initialization interface {
	// Poll reports whether the job finished, and its error if it failed
	Poll(ctx context.Context) (done bool, err error)

	// Secret returns the shared secret produced by a finished job
	Secret() (string, error)

	// Cancel stops the job. Safe to call more than once.
	Cancel()
}

// Backend boots, initializes and tears down head nodes
type Backend interface {
	Kind() Kind

	// FindOrCreate returns the instance called spec.Name, booting it if
	// it does not exist
	FindOrCreate(ctx context.Context, spec Spec) (*Instance, error)

	// Delete tears the instance down. Deleting a missing instance succeeds.
	Delete(ctx context.Context, name string) error

	// Address returns the login address, or ErrNoAddress
	Address(ctx context.Context, name string) (string, int, error)

	// Probe checks that the node answers on host:port
	Probe(ctx context.Context, host string, port int) error

	// Initialize starts the initialization job
	Initialize(ctx context.Context, spec InitSpec) (Initialization, error)
}

// InstanceName derives the instance name of a request's head node
func InstanceName(prefix, request string) string {
	return prefix + request
}

// DNSLabel lowercases name and replaces characters not allowed in a
// DNS-1123 label
func DNSLabel(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	label := strings.Trim(b.String(), "-")
	if len(label) > 63 {
		label = strings.TrimRight(label[:63], "-")
	}
	return label
}

// BackendError wraps a failed backend call with the backend kind
type BackendError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
