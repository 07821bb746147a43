package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vc3-project/vc3-master/pkg/storage"
	"github.com/vc3-project/vc3-master/pkg/types"
)

var requestCmd = &cobra.Command{
	Use:     "request",
	Aliases: []string{"requests"},
	Short:   "Inspect and act on virtual cluster requests",
}

var requestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		requests, err := store.ListRequests()
		if err != nil {
			return fmt.Errorf("failed to list requests: %w", err)
		}
		printRequests(cmd.OutOrStdout(), requests)
		return nil
	},
}

var requestShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show a request, its workers and its head node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		return showRequest(cmd.OutOrStdout(), store, args[0], time.Now())
	},
}

var requestTerminateCmd = &cobra.Command{
	Use:   "terminate NAME",
	Short: "Ask the master to tear a virtual cluster down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return requestAction(cmd, args[0], types.ActionTerminate)
	},
}

var requestRelaunchCmd = &cobra.Command{
	Use:   "relaunch NAME",
	Short: "Start a terminated request again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return requestAction(cmd, args[0], types.ActionRelaunch)
	},
}

func init() {
	requestCmd.AddCommand(requestListCmd)
	requestCmd.AddCommand(requestShowCmd)
	requestCmd.AddCommand(requestTerminateCmd)
	requestCmd.AddCommand(requestRelaunchCmd)

	rootCmd.AddCommand(requestCmd)
}

func requestAction(cmd *cobra.Command, name string, action types.Action) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := setRequestAction(store, name, action); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Request %s: %s requested\n", name, action)
	return nil
}

// setRequestAction records a user intent for the reconciler to pick up
func setRequestAction(store storage.Store, name string, action types.Action) error {
	req, err := store.GetRequest(name)
	if err != nil {
		return fmt.Errorf("failed to get request: %w", err)
	}
	switch action {
	case types.ActionTerminate:
		if req.State == types.RequestStateTerminated {
			return fmt.Errorf("request %s is already terminated", name)
		}
	case types.ActionRelaunch:
		if req.State != types.RequestStateTerminated {
			return fmt.Errorf("request %s is %s; only terminated requests can be relaunched", name, req.State)
		}
	default:
		return fmt.Errorf("unsupported action %q", action)
	}
	req.Action = action
	return store.PutRequest(req)
}

func printRequests(out io.Writer, requests []*types.Request) {
	sort.Slice(requests, func(i, j int) bool { return requests[i].Name < requests[j].Name })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPROJECT\tCLUSTER\tSTATE\tWORKERS\tACTION\tREASON")
	for _, r := range requests {
		t := r.StatusInfo.Totals()
		requested := 0
		for _, ns := range r.StatusInfo {
			requested += ns.Requested
		}
		workers := "-"
		if r.StatusInfo != nil {
			workers = fmt.Sprintf("%d/%d", t.Running, requested)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Name, r.Project, r.Cluster, r.State, workers, orDash(string(r.Action)), r.StateReason)
	}
	w.Flush()
}

func showRequest(out io.Writer, store storage.Store, name string, now time.Time) error {
	req, err := store.GetRequest(name)
	if err != nil {
		return fmt.Errorf("failed to get request: %w", err)
	}

	fmt.Fprintf(out, "Name:         %s\n", req.Name)
	fmt.Fprintf(out, "Owner:        %s\n", req.Owner)
	fmt.Fprintf(out, "Project:      %s\n", req.Project)
	fmt.Fprintf(out, "Cluster:      %s\n", req.Cluster)
	fmt.Fprintf(out, "Allocations:  %v\n", req.Allocations)
	if len(req.Environments) > 0 {
		fmt.Fprintf(out, "Environments: %v\n", req.Environments)
	}
	fmt.Fprintf(out, "State:        %s\n", req.State)
	fmt.Fprintf(out, "Reason:       %s\n", req.StateReason)
	if req.Action != types.ActionNone {
		fmt.Fprintf(out, "Action:       %s\n", req.Action)
	}
	if req.Expiration != nil {
		fmt.Fprintf(out, "Expires:      %s (%s)\n",
			req.Expiration.Format(time.RFC3339), humanize.RelTime(*req.Expiration, now, "ago", "from now"))
	}

	if len(req.StatusInfo) > 0 {
		fmt.Fprintln(out, "\nWorkers:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  NODESET\tRUNNING\tIDLE\tERROR\tREQUESTED\tNODE_NUMBER")
		names := make([]string, 0, len(req.StatusInfo))
		for n := range req.StatusInfo {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			s := req.StatusInfo[n]
			fmt.Fprintf(w, "  %s\t%d\t%d\t%d\t%d\t%d\n", n, s.Running, s.Idle, s.Error, s.Requested, s.NodeNumber)
		}
		w.Flush()
	}

	if req.HeadNode == "" {
		return nil
	}
	fmt.Fprintln(out, "\nHead node:")
	hn, err := store.GetNodeset(req.HeadNode)
	if storage.IsNotFound(err) {
		fmt.Fprintf(out, "  %s (not created)\n", req.HeadNode)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get head node: %w", err)
	}
	fmt.Fprintf(out, "  Name:         %s\n", hn.Name)
	fmt.Fprintf(out, "  State:        %s\n", hn.State)
	fmt.Fprintf(out, "  Reason:       %s\n", hn.StateReason)
	if hn.AppHost != "" {
		fmt.Fprintf(out, "  Address:      %s:%d\n", hn.AppHost, hn.AppPort)
	}
	if hn.LastContact != nil {
		fmt.Fprintf(out, "  Last contact: %s\n", humanize.RelTime(*hn.LastContact, now, "ago", "from now"))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
