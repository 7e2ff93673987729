// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/campfin/fecingest/internal/domain"
)

func NewSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the builtin source descriptors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, src := range domain.BuiltinSources() {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", src.Name, src.Endpoint, src.Mode, src.Table)
			}
			return nil
		},
	}
}
