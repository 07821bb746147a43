package queuesconf

import (
	"strconv"

	"github.com/kballard/go-shellquote"
)

// Submit plugin names understood by the batch layer
const (
	PluginCondorSSH   = "CondorSSH"
	PluginCondorEC2   = "CondorEC2"
	PluginCondorLocal = "CondorLocal"
)

// Auth plugin names
type AuthPlugin string

const (
	AuthSSH    AuthPlugin = "SSH"
	AuthGSISSH AuthPlugin = "GSISSH"
	AuthNoop   AuthPlugin = "Noop"
)

// KeepRunningKey holds the number of workers a queue keeps alive
const KeepRunningKey = "sched.keepnrunning.keep_running"

// QueueName is the section name of a queue
func QueueName(request, nodeset, allocation string) string {
	return request + "." + nodeset + "." + allocation
}

// Resources are the per-worker requests passed to the batch system
type Resources struct {
	Cores    int
	MemoryMB int // total, not per core
	DiskKB   int
}

// Queue describes one factory queue: workers of one nodeset submitted
// through one allocation
type Queue struct {
	Request     string
	Nodeset     string
	Allocation  string
	KeepRunning int

	Plugin      string
	User        string
	Batch       string
	Host        string
	Port        int
	AuthProfile string
	Resources   Resources

	Executable string
	Args       []string
}

// AddQueue appends the section for q
func (d *Document) AddQueue(q Queue) *Section {
	s := d.Section(QueueName(q.Request, q.Nodeset, q.Allocation))
	s.Set("vc3.request", q.Request).
		Set("vc3.nodeset", q.Nodeset).
		Set("vc3.allocation", q.Allocation).
		Set("sched.plugin", "KeepNRunning").
		SetInt(KeepRunningKey, q.KeepRunning).
		Set("batchsubmitplugin", q.Plugin)

	switch q.Plugin {
	case PluginCondorSSH:
		s.Set("batchsubmit.condorssh.user", q.User).
			Set("batchsubmit.condorssh.batch", q.Batch).
			Set("batchsubmit.condorssh.host", q.Host).
			Set("batchsubmit.condorssh.port", strconv.Itoa(q.Port)).
			Set("batchsubmit.condorssh.authprofile", q.AuthProfile)
		setResources(s, "batchsubmit.condorssh.condor_attributes.", q.Resources)
	case PluginCondorLocal:
		setResources(s, "batchsubmit.condorlocal.condor_attributes.", q.Resources)
	}

	s.Set("executable", q.Executable).
		Set("executable.args", shellquote.Join(q.Args...))
	return s
}

func setResources(s *Section, prefix string, r Resources) {
	s.SetInt(prefix+"request_cpus", r.Cores).
		SetInt(prefix+"request_memory", r.MemoryMB).
		SetInt(prefix+"request_disk", r.DiskKB)
}

// Auth is the credential profile of one allocation
type Auth struct {
	Name       string
	Plugin     AuthPlugin
	KeyType    string
	PublicKey  string // base64
	PrivateKey string // base64
}

// AddAuth appends the section for a
func (d *Document) AddAuth(a Auth) *Section {
	s := d.Section(a.Name)
	s.Set("plugin", string(a.Plugin))
	switch a.Plugin {
	case AuthSSH:
		s.Set("ssh.type", a.KeyType).
			Set("ssh.publickey", a.PublicKey).
			Set("ssh.privatekey", a.PrivateKey)
	case AuthGSISSH:
		s.Set("gsissh.proxy", a.PrivateKey)
	}
	return s
}
