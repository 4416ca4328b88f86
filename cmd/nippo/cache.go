package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage offline cache generations",
	}
	cmd.AddCommand(
		newCacheInstallCmd(opts),
		newCacheActivateCmd(opts),
		newCacheListCmd(opts),
	)
	return cmd
}

func newCacheInstallCmd(opts *rootOptions) *cobra.Command {
	var activate bool

	cmd := &cobra.Command{
		Use:   "install [generation]",
		Short: "Install the release manifest into a generation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			releases, err := a.openRelease()
			if err != nil {
				return err
			}
			rel, err := releases.Current()
			if err != nil {
				return err
			}
			generation := rel.Version
			if len(args) == 1 {
				generation = args[0]
			}

			outcome, err := a.manager.Install(cmd.Context(), rel.Manifest, generation)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s (%d assets)\n", outcome.Generation, outcome.Assets)

			if !activate {
				return nil
			}
			if err := a.manager.Activate(cmd.Context(), outcome.Generation); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "activated %s\n", outcome.Generation)
			return nil
		},
	}

	cmd.Flags().BoolVar(&activate, "activate", false, "Activate the generation after install")
	return cmd
}

func newCacheActivateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <generation>",
		Short: "Activate an installed generation and delete the others",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager.Activate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "activated %s\n", args[0])
			return nil
		},
	}
}

func newCacheListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			generations, err := a.manager.Generations(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GENERATION\tENTRIES")
			for _, gen := range generations {
				c, err := a.storage.Open(cmd.Context(), gen)
				if err != nil {
					return err
				}
				keys, err := c.Keys(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\n", gen, len(keys))
			}
			return tw.Flush()
		},
	}
}
