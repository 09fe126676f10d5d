package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/calypsokit/calydb/internal/cleanup"
	"github.com/calypsokit/calydb/internal/deduplication"
	"github.com/calypsokit/calydb/internal/types"
	"github.com/calypsokit/calydb/internal/uniqueset"
	"github.com/fatih/color"
)

// printStoreSummary prints collection sizes and deprecated records by reason
func printStoreSummary(w io.Writer, records, unique int, deprecated map[string]int) {
	total := 0
	reasons := make([]string, 0, len(deprecated))
	for reason, n := range deprecated {
		reasons = append(reasons, reason)
		total += n
	}
	sort.Strings(reasons)

	fmt.Fprintf(w, "  Records: %s (%s deprecated)\n", formatNumber(records), formatNumber(total))
	for _, reason := range reasons {
		fmt.Fprintf(w, "    %-42s %s\n", reason, formatNumber(deprecated[reason]))
	}
	fmt.Fprintf(w, "  Unique: %s\n", formatNumber(unique))
}

// printGroups prints one line per (task, formula) group
func printGroups(w io.Writer, groups []types.TaskFormulaGroup) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "No groups found")
		return
	}

	fmt.Fprintf(w, "%-24s %-16s %8s\n", "TASK", "FORMULA", "MEMBERS")
	records := 0
	for _, g := range groups {
		fmt.Fprintf(w, "%-24s %-16s %8s\n", g.Key.Task, g.Key.Formula, formatNumber(g.Count()))
		records += g.Count()
	}
	fmt.Fprintf(w, "\n%s groups, %s records\n", formatNumber(len(groups)), formatNumber(records))
}

// printSortedGroups prints every group's members from lowest to highest enthalpy
func printSortedGroups(w io.Writer, groups []types.SortedGroup) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "No groups found")
		return
	}

	cyan := color.New(color.FgCyan).SprintFunc()
	for i, g := range groups {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s (%s members)\n", cyan(g.Key.String()), formatNumber(len(g.SortedIDs)))
		for j, id := range g.SortedIDs {
			fmt.Fprintf(w, "  %12.6f  %s\n", g.SortedEnthalpies[j], id)
		}
	}
}

// printRunReport summarizes a resolution run
func printRunReport(w io.Writer, run *deduplication.RunResult) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Fprintf(w, "%s\n", cyan("=== Unique Resolution ==="))
	fmt.Fprintf(w, "  Groups: %s\n", formatNumber(run.Stats.Groups))
	fmt.Fprintf(w, "  Candidates: %s\n", formatNumber(run.Stats.Candidates))
	fmt.Fprintf(w, "  Unique: %s\n", formatNumber(len(run.Unique)))
	fmt.Fprintf(w, "  Comparisons: %s\n", formatNumber(run.Stats.Comparisons))
	fmt.Fprintf(w, "  Duplicates: %s replaced, %s discarded\n",
		formatNumber(run.Stats.Replacements), formatNumber(run.Stats.Discards))
	if run.Stats.CompareFailures > 0 {
		fmt.Fprintf(w, "  %s\n", yellow(fmt.Sprintf("Compare failures: %s", formatNumber(run.Stats.CompareFailures))))
	}
	fmt.Fprintf(w, "  Time taken: %s\n", run.Stats.Duration.Round(time.Millisecond))
}

// printCommitReport summarizes a unique collection commit
func printCommitReport(w io.Writer, report *uniqueset.CommitReport) {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(w, "%s Committed %s of %s ids (version %d, %s, run %s)\n",
		green("✓"), formatNumber(len(report.Inserted)), formatNumber(report.Requested),
		report.Version, report.Mode, report.RunID)
	if len(report.Skipped) > 0 {
		fmt.Fprintf(w, "  Skipped %s ids already present\n", formatNumber(len(report.Skipped)))
	}
}

// printConflicts lists resolved ids that are already committed, per group
func printConflicts(w io.Writer, conflicts []uniqueset.Conflict) {
	if len(conflicts) == 0 {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(w, "%s No resolved id is already committed\n", green("✓"))
		return
	}

	yellow := color.New(color.FgYellow).SprintFunc()
	total := 0
	for _, c := range conflicts {
		fmt.Fprintf(w, "%s %s\n", yellow("!"), c.Key)
		for _, id := range c.IDs {
			fmt.Fprintf(w, "    %s\n", id)
		}
		total += len(c.IDs)
	}
	fmt.Fprintf(w, "\n%s ids already committed in %s groups\n", formatNumber(total), formatNumber(len(conflicts)))
}

// printCleanupResult summarizes one cleanup pass
func printCleanupResult(w io.Writer, res *cleanup.Result, what string) {
	if res.DryRun {
		fmt.Fprintf(w, "Would deprecate %s %s\n", formatNumber(len(res.IDs)), what)
		fmt.Fprintf(w, "  Reason: %s\n", res.Reason)
		fmt.Fprintln(w, "Run without --dry-run to apply")
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(w, "%s Deprecated %s %s\n", green("✓"), formatNumber(res.Deprecated), what)
	fmt.Fprintf(w, "  Reason: %s\n", res.Reason)
}

// printSolitary lists solitary low-energy records
func printSolitary(w io.Writer, found []cleanup.Solitary) {
	for _, s := range found {
		fmt.Fprintf(w, "  %-32s %12.6f  %s\n", s.Key, s.EnthalpyPerAtom, s.ID)
	}
}

// printSmallTasks lists tasks with too few records
func printSmallTasks(w io.Writer, tasks []types.TaskCount, lte int) {
	if len(tasks) == 0 {
		fmt.Fprintf(w, "No task has %d or fewer records\n", lte)
		return
	}
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Fprintf(w, "%s\n", yellow(fmt.Sprintf("%s tasks have %d or fewer records:", formatNumber(len(tasks)), lte)))
	for _, tc := range tasks {
		fmt.Fprintf(w, "  %-24s %4d\n", tc.Task, tc.Count)
	}
	fmt.Fprintln(w, "These tasks are reported only; nothing was deprecated.")
}

var uniqueCSVHeader = []string{
	"material_id", "formula", "pressure", "natoms", "enthalpy_per_atom", "volume_per_atom", "spgno",
}

// writeUniqueCSV writes the unique structures as a flat dataset
func writeUniqueCSV(w io.Writer, records []*types.UniqueRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(uniqueCSVHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, ur := range records {
		r := ur.Record
		materialID := r.MaterialID
		if materialID == "" {
			materialID = r.ID
		}
		pressure := ""
		if r.Pressure != nil {
			pressure = formatFloat(*r.Pressure)
		}
		volume := ""
		if r.Geometry != nil && r.Geometry.NumAtoms() > 0 {
			volume = formatFloat(r.Geometry.Volume() / float64(r.Geometry.NumAtoms()))
		}
		row := []string{
			materialID,
			r.Formula,
			pressure,
			strconv.Itoa(r.Natoms),
			formatFloat(r.EnthalpyPerAtom),
			volume,
			strconv.Itoa(r.SymmetryNumberCoarse),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write record %s: %w", r.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
