package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cdpblock/pkg/api"
)

func newTargetsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List the page targets of the DevTools endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			svc := api.NewService(log, nil)
			defer func() { _ = svc.Close() }()

			id, err := svc.StartSession(sessionConfig(cfg))
			if err != nil {
				return err
			}
			targets, err := svc.ListTargets(id)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tURL")
			for _, t := range targets {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Title, t.URL)
			}
			return tw.Flush()
		},
	}
}
