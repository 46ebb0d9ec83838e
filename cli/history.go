package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalbus/journal"
)

// NewHistoryCmd creates the "history" subcommand.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [event]",
		Short: "Print journaled emissions from a SQLite journal",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}

	cmd.Flags().String("config", "", "Path to petalbus.yaml")
	cmd.Flags().String("sqlite-path", "", "SQLite journal path or DSN (overrides config)")
	cmd.Flags().Uint64("after", 0, "Only show emissions after this sequence number")
	cmd.Flags().Int("limit", 50, "Maximum number of emissions (0 = all)")
	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitInputParse, "unknown format %q (want text or json)", format)
	}
	after, _ := cmd.Flags().GetUint64("after")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, _, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Journal.DSN == "" {
		return exitError(exitValidation, "no SQLite journal configured (use --sqlite-path, journal.dsn or $PETALBUS_SQLITE_PATH)")
	}

	store, err := journal.NewSQLiteStore(journal.SQLiteStoreConfig{DSN: cfg.Journal.DSN})
	if err != nil {
		return exitError(exitRuntime, "opening journal: %v", err)
	}
	defer store.Close()

	var event string
	if len(args) == 1 {
		event = args[0]
	}
	records, err := store.List(cmd.Context(), event, after, limit)
	if err != nil {
		return exitError(exitRuntime, "reading journal: %v", err)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		if records == nil {
			records = []journal.Record{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	printRecords(out, records)
	return nil
}

func printRecords(w io.Writer, records []journal.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no emissions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tEVENT\tPAYLOAD")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			r.Seq,
			r.Time.UTC().Format(time.RFC3339),
			r.Event,
			strings.TrimSpace(string(r.Payload)),
		)
	}
	_ = tw.Flush()
}
