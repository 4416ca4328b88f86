package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [file]",
		Short: "Classify a raw daily report and store the records",
		Long:  "Reads the report from the given file, or from stdin when no file is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			text, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read report: %w", err)
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			reports, err := a.newReportUseCase(cmd.Context())
			if err != nil {
				return err
			}

			records, err := reports.Ingest(cmd.Context(), string(text))
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					rec.Date, rec.Department, rec.EmployeeName, rec.ID)
			}
			return nil
		},
	}
}
