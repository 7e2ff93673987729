// SPDX-License-Identifier: Apache-2.0

// Package cli wires the fecingest commands.
package cli

import (
	"github.com/spf13/cobra"
)

// BuildInfo carries the ldflags-injected build identity.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

func NewRootCmd(info BuildInfo) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fecingest",
		Short: "Incremental OpenFEC extraction into the campaign finance warehouse",
		Long: `fecingest pulls new and updated filings from the OpenFEC API and loads
them into the warehouse raw layer. Runs are incremental: each one resumes
after the last successful watermark and records its outcome in the run
control table.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewMigrateCmd())
	rootCmd.AddCommand(NewWatermarksCmd())
	rootCmd.AddCommand(NewSourcesCmd())
	rootCmd.AddCommand(NewVersionCmd(info))

	return rootCmd
}
