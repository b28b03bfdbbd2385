// Package app provides the entry point for the geostore command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/geostore/geostore/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "geostore",
	DisableAutoGenTag: true,
	Short:             "GeoStore authentication and token lifecycle server",
	Long: `GeoStore serves the authentication core of a geospatial catalog:
an ordered authentication chain over basic, header, session and OAuth2/OIDC
bearer credentials, with provider-driven role and group reconciliation
against the user directory.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the GeoStore CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
