package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentplexus/calltest/tts"
)

func newVoicesCommand(_ *app) *cobra.Command {
	var language string
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List the voices a persona can speak with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			voices := tts.New().ListVoices(cmd.Context(), language)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tLANGUAGE\tGENDER")
			for _, v := range voices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Language, v.Gender)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", "", "Only list voices whose language starts with this prefix, e.g. en or es-US")
	return cmd
}
