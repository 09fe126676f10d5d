package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/calypsokit/calydb/internal/grouping"
	"github.com/calypsokit/calydb/internal/types"
	"github.com/spf13/cobra"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Inspect (task, formula) groups",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the (task, formula) groups of non-deprecated records",
	Long: `List every (task, formula) group with its member count. With --sorted,
print each group's members from lowest to highest enthalpy per atom.

Examples:
  calydb groups list
  calydb groups list --sorted --newer-than 2024-05-01`,
	Run: func(cmd *cobra.Command, args []string) {
		sorted, _ := cmd.Flags().GetBool("sorted")
		newerThan, _ := cmd.Flags().GetString("newer-than")
		ctx := context.Background()

		filter, err := recordFilter(newerThan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(1)
		}

		engine := grouping.NewEngine(store, logger)
		if sorted {
			groups, err := engine.SortEnthalpy(ctx, filter)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to sort groups: %v\n", err)
				exit(1)
			}
			printSortedGroups(os.Stdout, groups)
			return
		}

		groups, err := engine.GroupTaskFormula(ctx, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to group records: %v\n", err)
			exit(1)
		}
		printGroups(os.Stdout, groups)
	},
}

// parseSince accepts an RFC 3339 timestamp or a bare date (UTC midnight)
func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

// recordFilter selects non-deprecated records updated after newerThan,
// or all of them when newerThan is empty
func recordFilter(newerThan string) (types.RecordFilter, error) {
	var filter types.RecordFilter
	if newerThan == "" {
		return filter, nil
	}
	t, err := parseSince(newerThan)
	if err != nil {
		return filter, err
	}
	filter.UpdatedAfter = &t
	return filter, nil
}

func init() {
	groupsListCmd.Flags().Bool("sorted", false, "Print members sorted by enthalpy")
	groupsListCmd.Flags().String("newer-than", "", "Only records updated after this time")

	groupsCmd.AddCommand(groupsListCmd)
	rootCmd.AddCommand(groupsCmd)
}
