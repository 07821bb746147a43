package reconciler

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/kballard/go-shellquote"
	"github.com/vc3-project/vc3-master/pkg/queuesconf"
	"github.com/vc3-project/vc3-master/pkg/storage"
	"github.com/vc3-project/vc3-master/pkg/types"
)

// DefaultBuilder is the executable every worker starts with
const DefaultBuilder = "vc3-builder"

// ConfigInput is everything the generator reads for one request
type ConfigInput struct {
	Request      *types.Request
	Nodesets     []*types.Nodeset    // cluster order
	Allocations  []*types.Allocation // request order
	Resources    map[string]*types.Resource
	Environments map[string]*types.Environment
	HeadNode     *types.Nodeset // nil until created
}

// Generator turns a request and its references into the queue and auth
// documents consumed by the batch layer
type Generator struct {
	Builder string
}

// NewGenerator creates a generator launching workers through builder
func NewGenerator(builder string) *Generator {
	if builder == "" {
		builder = DefaultBuilder
	}
	return &Generator{Builder: builder}
}

// Generate builds both documents. Unresolvable references are reported as
// *InvalidRequestError.
func (g *Generator) Generate(in ConfigInput) (queues, auth *queuesconf.Document, err error) {
	if len(in.Allocations) == 0 {
		return nil, nil, invalidf("Request %s does not use any allocation.", in.Request.Name)
	}
	queues = queuesconf.New()
	auth = queuesconf.New()

	for _, ns := range in.Nodesets {
		total := 0
		if !in.Request.State.Finishing() {
			total = ns.Nodes()
		}
		shares := StaticBalanced(total, len(in.Allocations))

		for i, allocation := range in.Allocations {
			resource, ok := in.Resources[allocation.Resource]
			if !ok {
				return nil, nil, invalidf("Resource %s of allocation %s has not been declared.", allocation.Resource, allocation.Name)
			}
			q, err := g.queue(in, ns, allocation, resource, shares[i])
			if err != nil {
				return nil, nil, err
			}
			queues.AddQueue(q)
		}
	}

	for _, allocation := range in.Allocations {
		a, err := authProfile(allocation, in.Resources[allocation.Resource])
		if err != nil {
			return nil, nil, err
		}
		auth.AddAuth(a)
	}
	return queues, auth, nil
}

func (g *Generator) queue(in ConfigInput, ns *types.Nodeset, allocation *types.Allocation, resource *types.Resource, share int) (queuesconf.Queue, error) {
	size := resource.Size()
	q := queuesconf.Queue{
		Request:     in.Request.Name,
		Nodeset:     ns.Name,
		Allocation:  allocation.Name,
		KeepRunning: share,
		Resources: queuesconf.Resources{
			Cores:    size.Cores,
			MemoryMB: size.Cores * size.MemoryMB,
			DiskKB:   size.StorageMB * 1024,
		},
		Executable: g.Builder,
	}

	switch resource.AccessType {
	case types.AccessTypeBatch:
		q.Plugin = queuesconf.PluginCondorSSH
		q.User = allocation.AccountName
		q.Batch = resource.AccessFlavor
		q.Host = resource.AccessHost
		q.Port = resource.AccessPort
		q.AuthProfile = allocation.Name
	case types.AccessTypeCloud:
		q.Plugin = queuesconf.PluginCondorEC2
	case types.AccessTypeLocal:
		q.Plugin = queuesconf.PluginCondorLocal
	default:
		return q, invalidf("Resource %s has unknown access type %q.", resource.Name, resource.AccessType)
	}

	args, err := g.builderArgs(in, ns, size)
	if err != nil {
		return q, err
	}
	q.Args = args
	return q, nil
}

// builderArgs are the builder options followed by "--" and the pilot
// command
func (g *Generator) builderArgs(in ConfigInput, ns *types.Nodeset, size types.NodeInfo) ([]string, error) {
	envs, err := environments(in, ns)
	if err != nil {
		return nil, err
	}

	args := []string{
		"--var", "VC3_REQUESTID=" + in.Request.Name,
		"--var", "VC3_NODESET=" + ns.Name,
	}
	for _, env := range envs {
		keys := make([]string, 0, len(env.EnvMap))
		for k := range env.EnvMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, "--var", k+"="+env.EnvMap[k])
		}
	}
	for _, env := range envs {
		for _, pkg := range env.PackageList {
			args = append(args, "--require", pkg)
		}
	}
	seenOS := make(map[string]bool)
	for _, env := range envs {
		if env.RequiredOS != "" && !seenOS[env.RequiredOS] {
			seenOS[env.RequiredOS] = true
			args = append(args, "--require-os", env.RequiredOS)
		}
	}
	for _, env := range envs {
		if env.BuilderExtraArgs == "" {
			continue
		}
		extra, err := shellquote.Split(env.BuilderExtraArgs)
		if err != nil {
			return nil, invalidf("Environment %s has malformed builder arguments: %v.", env.Name, err)
		}
		args = append(args, extra...)
	}

	pilot, err := pilotCommand(in, ns, envs, size)
	if err != nil {
		return nil, err
	}
	args = append(args, "--")
	return append(args, pilot...), nil
}

// environments are the request's environments followed by the nodeset's
func environments(in ConfigInput, ns *types.Nodeset) ([]*types.Environment, error) {
	names := append([]string(nil), in.Request.Environments...)
	if ns.Environment != "" {
		names = append(names, ns.Environment)
	}
	envs := make([]*types.Environment, 0, len(names))
	for _, name := range names {
		env, ok := in.Environments[name]
		if !ok {
			return nil, invalidf("Environment %s has not been declared.", name)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func pilotCommand(in ConfigInput, ns *types.Nodeset, envs []*types.Environment, size types.NodeInfo) ([]string, error) {
	// the nodeset's own environment may replace the pilot
	if ns.Environment != "" && len(envs) > 0 {
		if own := envs[len(envs)-1]; own.Command != "" {
			cmd, err := shellquote.Split(own.Command)
			if err != nil {
				return nil, invalidf("Environment %s has a malformed command: %v.", own.Name, err)
			}
			return cmd, nil
		}
	}

	var host, secret string
	if in.HeadNode != nil {
		host = in.HeadNode.AppHost
		secret = in.HeadNode.AppSecToken
	}
	memory := size.Cores * size.MemoryMB

	switch ns.AppType {
	case types.AppTypeHTCondor:
		return []string{"vc3-glidein", "-c", host, "-C", host, "-p", secret}, nil
	case types.AppTypeWorkQueue:
		return []string{
			"work_queue_worker",
			"-M", "vc3-" + in.Request.Name,
			"--password", secret,
			"--cores", strconv.Itoa(size.Cores),
			"--memory", strconv.Itoa(memory),
			"--disk", strconv.Itoa(size.StorageMB),
			"-t", "1800",
		}, nil
	case types.AppTypeSpark:
		return []string{
			"vc3-spark-worker", fmt.Sprintf("spark://%s:7077", host),
			"--cores", strconv.Itoa(size.Cores),
			"--memory", strconv.Itoa(memory) + "m",
		}, nil
	}
	return nil, invalidf("Nodeset %s has unknown app_type %q and no command.", ns.Name, ns.AppType)
}

func authProfile(allocation *types.Allocation, resource *types.Resource) (queuesconf.Auth, error) {
	a := queuesconf.Auth{Name: allocation.Name}
	switch resource.AccessMethod {
	case types.AccessMethodSSH:
		a.Plugin = queuesconf.AuthSSH
	case types.AccessMethodGSISSH:
		a.Plugin = queuesconf.AuthGSISSH
	case types.AccessMethodLocal:
		a.Plugin = queuesconf.AuthNoop
		return a, nil
	default:
		return a, invalidf("Resource %s has unknown access method %q.", resource.Name, resource.AccessMethod)
	}
	if !allocation.HasCredentials() {
		return a, invalidf("Allocation %s has no credentials yet.", allocation.Name)
	}
	a.KeyType = allocation.SecType
	a.PublicKey = allocation.PubToken
	a.PrivateKey = allocation.PrivToken
	return a, nil
}

// LoadConfigInput resolves every reference the generator needs
func LoadConfigInput(store storage.Store, request *types.Request) (ConfigInput, error) {
	in := ConfigInput{
		Request:      request,
		Resources:    make(map[string]*types.Resource),
		Environments: make(map[string]*types.Environment),
	}

	nodesets, err := clusterNodesets(store, request)
	if err != nil {
		return in, err
	}
	in.Nodesets = nodesets

	for _, name := range request.Allocations {
		allocation, err := store.GetAllocation(name)
		if storage.IsNotFound(err) {
			return in, invalidf("Allocation %s has not been declared.", name)
		}
		if err != nil {
			return in, err
		}
		in.Allocations = append(in.Allocations, allocation)

		if _, ok := in.Resources[allocation.Resource]; ok {
			continue
		}
		resource, err := store.GetResource(allocation.Resource)
		if storage.IsNotFound(err) {
			return in, invalidf("Resource %s of allocation %s has not been declared.", allocation.Resource, name)
		}
		if err != nil {
			return in, err
		}
		in.Resources[allocation.Resource] = resource
	}

	envNames := append([]string(nil), request.Environments...)
	for _, ns := range nodesets {
		if ns.Environment != "" {
			envNames = append(envNames, ns.Environment)
		}
	}
	for _, name := range envNames {
		if _, ok := in.Environments[name]; ok {
			continue
		}
		env, err := store.GetEnvironment(name)
		if storage.IsNotFound(err) {
			return in, invalidf("Environment %s has not been declared.", name)
		}
		if err != nil {
			return in, err
		}
		in.Environments[name] = env
	}

	if request.HeadNode != "" {
		hn, err := store.GetNodeset(request.HeadNode)
		switch {
		case err == nil:
			in.HeadNode = hn
		case !storage.IsNotFound(err):
			return in, err
		}
	}
	return in, nil
}
