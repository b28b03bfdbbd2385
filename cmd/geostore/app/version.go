package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geostore/geostore/pkg/versions"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of geostore",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versions.Version)
		},
	}
}
