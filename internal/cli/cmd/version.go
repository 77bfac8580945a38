package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/KevinZhao/shared"
)

func newVersionCommand() *cobra.Command {
	var verbose bool

	c := &cobra.Command{
		Use:   "version",
		Short: "Show version and build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, shared.GetVersion())
			if !verbose {
				return nil
			}

			info := shared.GetVersionInfo()
			keys := make([]string, 0, len(info))
			for k := range info {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %-10s %s\n", k, info[k])
			}
			return nil
		},
	}
	c.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every build field")
	return c
}
