package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-render/pkg/router"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and compile every route",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}
	cmd.Flags().Bool("json", false, "Print the route table as JSON")
	return cmd
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	table, err := buildTable(cmd.Context(), cfg, router.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = table.Close() }()

	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(table.Routes())
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATTERN\tTRANSFORM\tENGINE\tMEDIA TYPE\tEMPTY CAPTURE\tUPSTREAM")
	for _, r := range table.Routes() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Pattern, r.Transform, r.Engine, r.MediaType, r.EmptyCapture, r.Upstream)
	}
	return tw.Flush()
}
