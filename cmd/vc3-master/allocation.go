package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vc3-project/vc3-master/pkg/storage"
	"github.com/vc3-project/vc3-master/pkg/types"
)

var allocationCmd = &cobra.Command{
	Use:     "allocation",
	Aliases: []string{"allocations"},
	Short:   "Inspect and validate allocations",
}

var allocationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List allocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		allocations, err := store.ListAllocations()
		if err != nil {
			return fmt.Errorf("failed to list allocations: %w", err)
		}
		printAllocations(cmd.OutOrStdout(), allocations)
		return nil
	},
}

var allocationValidateCmd = &cobra.Command{
	Use:   "validate NAME",
	Short: "Ask the master to validate an allocation's credentials again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := validateAllocation(store, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Allocation %s: validation requested\n", args[0])
		return nil
	},
}

func init() {
	allocationCmd.AddCommand(allocationListCmd)
	allocationCmd.AddCommand(allocationValidateCmd)

	rootCmd.AddCommand(allocationCmd)
}

// validateAllocation arms the validate action of an allocation whose
// credentials have been issued but not accepted yet
func validateAllocation(store storage.Store, name string) error {
	a, err := store.GetAllocation(name)
	if err != nil {
		return fmt.Errorf("failed to get allocation: %w", err)
	}
	switch a.State {
	case types.AllocationStateConfigured, types.AllocationStateValidationFailure:
	default:
		return fmt.Errorf("allocation %s is %s; only configured or failed validations can be retried", name, orDash(string(a.State)))
	}
	if !a.HasCredentials() {
		return fmt.Errorf("allocation %s has no credentials yet", name)
	}
	a.Action = types.ActionValidate
	return store.PutAllocation(a)
}

func printAllocations(out io.Writer, allocations []*types.Allocation) {
	sort.Slice(allocations, func(i, j int) bool { return allocations[i].Name < allocations[j].Name })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tOWNER\tRESOURCE\tACCOUNT\tSTATE\tREASON")
	for _, a := range allocations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", a.Name, a.Owner, a.Resource, a.AccountName, orDash(string(a.State)), a.StateReason)
	}
	w.Flush()
}
