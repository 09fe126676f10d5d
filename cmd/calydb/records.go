package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/calypsokit/calydb/internal/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// maxRecordLine bounds one JSON line; geometries of large cells are long
const maxRecordLine = 16 * 1024 * 1024

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Raw structure record commands",
}

var recordsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import structure records from a JSON Lines file",
	Long: `Import structure records, one JSON object per line. Use - to read stdin.

Records without an id get a generated one. Records whose id already exists
are skipped and counted as duplicates. A record that fails validation stops
the import with its line number; batches before it stay committed.

Example line:
  {"task":"calypso-01","formula":"MgO","enthalpy_per_atom":-5.2,
   "symmetry_number_coarse":225,"source":{"name":"calypso","index":3},
   "geometry":{"cell":[[4.2,0,0],[0,4.2,0],[0,0,4.2]],
               "species":["Mg","O"],"positions":[[0,0,0],[2.1,2.1,2.1]]}}`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		if batchSize < 1 {
			fmt.Fprintf(os.Stderr, "Error: --batch-size must be positive\n")
			exit(1)
		}
		ctx := context.Background()

		var in io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to open %s: %v\n", args[0], err)
				exit(1)
			}
			defer f.Close()
			in = f
		}

		var inserted, duplicates int
		err := readRecords(in, batchSize, func(batch []*types.StructureRecord) error {
			res, err := store.InsertRecords(ctx, batch)
			if err != nil {
				return err
			}
			inserted += len(res.Inserted)
			duplicates += len(res.Duplicates)
			logger.Debug("batch imported",
				zap.Int("inserted", len(res.Inserted)),
				zap.Int("duplicates", len(res.Duplicates)))
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: import stopped after %s records: %v\n", formatNumber(inserted), err)
			exit(1)
		}

		fmt.Printf("%s Imported %s records\n", color.GreenString("✓"), formatNumber(inserted))
		if duplicates > 0 {
			fmt.Printf("  Skipped %s duplicate ids\n", formatNumber(duplicates))
		}
	},
}

var recordsMaxIndexCmd = &cobra.Command{
	Use:   "max-index",
	Short: "Print the highest source index imported for a source",
	Long: `Print the highest source.index among records from --source, or 0 when
there are none. Extraction jobs use it to resume where the last import ended.`,
	Run: func(cmd *cobra.Command, args []string) {
		source, _ := cmd.Flags().GetString("source")
		idx, err := store.MaxSourceIndex(context.Background(), source)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read max index: %v\n", err)
			exit(1)
		}
		fmt.Println(idx)
	},
}

// readRecords decodes JSON Lines from r and hands validated records to fn
// in batches of at most batchSize. Blank lines are skipped.
func readRecords(r io.Reader, batchSize int, fn func([]*types.StructureRecord) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLine)

	batch := make([]*types.StructureRecord, 0, batchSize)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec types.StructureRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return fmt.Errorf("line %d: invalid JSON: %w", line, err)
		}
		rec.SyncNatoms()
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}

		batch = append(batch, &rec)
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return fmt.Errorf("failed to insert batch ending at line %d: %w", line, err)
			}
			batch = make([]*types.StructureRecord, 0, batchSize)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read line %d: %w", line+1, err)
	}

	if len(batch) > 0 {
		if err := fn(batch); err != nil {
			return fmt.Errorf("failed to insert final batch: %w", err)
		}
	}
	return nil
}

func init() {
	recordsImportCmd.Flags().Int("batch-size", 500, "Records inserted per transaction")
	recordsMaxIndexCmd.Flags().String("source", "calypso", "Source name")

	recordsCmd.AddCommand(recordsImportCmd)
	recordsCmd.AddCommand(recordsMaxIndexCmd)
	rootCmd.AddCommand(recordsCmd)
}
