package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sammy180/onion-logger/internal/record"
	"github.com/sammy180/onion-logger/internal/store"
)

// LastOptions holds flags for the last command.
type LastOptions struct {
	*RootOptions
	BoxID string
}

// NewLastCommand creates the last command.
func NewLastCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LastOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "last",
		Short: "Print the newest record of a box",
		Long: `Print the most recently stored record of one box as JSON.

Example:
  onion-logger last --box 42`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printLast(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.BoxID, "box", "", "box id (required)")
	cmd.MarkFlagRequired("box")

	return cmd
}

func printLast(cmd *cobra.Command, opts *LastOptions) error {
	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.LastForBox(cmd.Context(), opts.BoxID)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), rec)
}

// NewBoxesCommand creates the boxes command.
func NewBoxesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "boxes",
		Short:         "List every box with its newest record",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printBoxes(cmd, rootOpts)
		},
	}
	return cmd
}

func printBoxes(cmd *cobra.Command, opts *RootOptions) error {
	st, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	latest, err := st.LatestPerBox(cmd.Context())
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), latest)
	}
	return writeBoxTable(cmd.OutOrStdout(), latest, time.Now())
}

func writeBoxTable(w io.Writer, latest []record.Record, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BOX\tFUSE\tID\tCAPTURED\tAGE")
	for _, rec := range latest {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			rec.BoxID, rec.FuseID, rec.ID,
			rec.CapturedAt.UTC().Format(time.RFC3339),
			now.Sub(rec.CapturedAt).Round(time.Second))
	}
	return tw.Flush()
}

// openStore opens the configured database. The schema is created if the
// file is new.
func openStore(opts *RootOptions) (*store.Store, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Database.Path)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
