package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sammy180/onion-logger/internal/csvlog"
	"github.com/sammy180/onion-logger/internal/record"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Out     string
	AfterID int64
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored records as CSV",
		Long: `Export stored records in insertion order as CSV.

Example:
  onion-logger export --out readings.csv
  onion-logger export --after 1200 > new.csv`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exportRecords(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().Int64Var(&opts.AfterID, "after", 0, "only export records with a larger id")

	return cmd
}

func exportRecords(cmd *cobra.Command, opts *ExportOptions) (err error) {
	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	var out io.Writer = cmd.OutOrStdout()
	if opts.Out != "" {
		f, err := os.Create(opts.Out)
		if err != nil {
			return fmt.Errorf("create %s: %w", opts.Out, err)
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		out = f
	}

	w := csvlog.NewWriter(out)
	n := 0
	if err := st.Scan(cmd.Context(), opts.AfterID, func(rec record.Record) error {
		n++
		return w.Write(rec)
	}); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if opts.Out != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %d records to %s\n", n, opts.Out)
	}
	return nil
}
