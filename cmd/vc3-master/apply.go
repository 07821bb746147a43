package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/vc3-project/vc3-master/pkg/storage"
	"github.com/vc3-project/vc3-master/pkg/types"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Declare entities from a YAML file",
	Long: `Write the entities declared in a YAML file to the store.

Each document names its kind next to the entity fields. Several
documents may be separated with "---".

Examples:
  # Declare a resource and an allocation on it
  vc3-master apply -f uchicago.yaml

  kind: Resource
  name: uchicago
  accesstype: batch
  accessmethod: ssh
  accessflavor: slurm
  accesshost: login.uchicago.edu
  ---
  kind: Allocation
  name: alice.uchicago
  owner: alice
  resource: uchicago
  accountname: alice`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply, - for stdin (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	var in io.Reader = os.Stdin
	if filename != "-" {
		f, err := os.Open(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		defer f.Close()
		in = f
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	return applyDocuments(store, in, cmd.OutOrStdout())
}

// entityKind is the kind field of a document
type entityKind struct {
	Kind string `yaml:"kind"`
}

// applyDocuments stores every document read from in. It stops at the
// first invalid document; documents before it stay applied.
func applyDocuments(store storage.Store, in io.Reader, out io.Writer) error {
	dec := yaml.NewDecoder(in)
	for n := 1; ; n++ {
		var doc yaml.Node
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("document %d: failed to parse YAML: %w", n, err)
		}

		var k entityKind
		if err := doc.Decode(&k); err != nil {
			return fmt.Errorf("document %d: %w", n, err)
		}
		name, err := applyDocument(store, k.Kind, &doc)
		if err != nil {
			return fmt.Errorf("document %d: %w", n, err)
		}
		fmt.Fprintf(out, "✓ %s applied: %s\n", k.Kind, name)
	}
}

func applyDocument(store storage.Store, kind string, doc *yaml.Node) (string, error) {
	switch kind {
	case "Resource":
		return put(doc, func(r *types.Resource) string { return r.Name }, store.PutResource)
	case "Environment":
		return put(doc, func(e *types.Environment) string { return e.Name }, store.PutEnvironment)
	case "Cluster":
		return put(doc, func(c *types.Cluster) string { return c.Name }, store.PutCluster)
	case "Project":
		return put(doc, func(p *types.Project) string { return p.Name }, store.PutProject)
	case "User":
		return put(doc, func(u *types.User) string { return u.Name }, store.PutUser)
	case "Allocation":
		return put(doc, func(a *types.Allocation) string { return a.Name }, func(a *types.Allocation) error {
			if old, err := store.GetAllocation(a.Name); err == nil {
				keepAllocationStatus(a, old)
			} else if !storage.IsNotFound(err) {
				return err
			}
			return store.PutAllocation(a)
		})
	case "Nodeset":
		return put(doc, func(ns *types.Nodeset) string { return ns.Name }, func(ns *types.Nodeset) error {
			if ns.AppRole == types.AppRoleHeadNode {
				return fmt.Errorf("head-node nodesets are created by the master")
			}
			return store.PutNodeset(ns)
		})
	case "Request":
		return put(doc, func(r *types.Request) string { return r.Name }, func(r *types.Request) error {
			old, err := store.GetRequest(r.Name)
			switch {
			case err == nil:
				keepRequestStatus(r, old)
			case storage.IsNotFound(err):
				r.State = types.RequestStateNew
				r.StateReason = ""
			default:
				return err
			}
			return store.PutRequest(r)
		})
	case "":
		return "", fmt.Errorf("missing kind")
	}
	return "", fmt.Errorf("unsupported kind: %s", kind)
}

func put[T any](doc *yaml.Node, name func(*T) string, store func(*T) error) (string, error) {
	entity := new(T)
	if err := doc.Decode(entity); err != nil {
		return "", err
	}
	n := name(entity)
	if n == "" {
		return "", fmt.Errorf("name is required")
	}
	if err := store(entity); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", n, err)
	}
	return n, nil
}

// keepRequestStatus carries the fields the master owns over a
// redeclaration
func keepRequestStatus(r, old *types.Request) {
	r.State = old.State
	r.StateReason = old.StateReason
	r.HeadNode = old.HeadNode
	r.StatusRaw = old.StatusRaw
	r.StatusInfo = old.StatusInfo
	r.QueuesConf = old.QueuesConf
	r.AuthConf = old.AuthConf
	if r.Action == types.ActionNone {
		r.Action = old.Action
	}
}

func keepAllocationStatus(a, old *types.Allocation) {
	a.State = old.State
	a.StateReason = old.StateReason
	a.SecType = old.SecType
	a.PubToken = old.PubToken
	a.PrivToken = old.PrivToken
	if a.Action == types.ActionNone {
		a.Action = old.Action
	}
}
