package main

import (
	"fmt"
	"text/tabwriter"

	"nutsfarm/internal/app"
	"nutsfarm/internal/proxy"

	"github.com/spf13/cobra"
)

func newSessionsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List discovered sessions and their proxy bindings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			names, err := app.Roster(cfg)
			if err != nil {
				return err
			}
			return c.withBinder(func(b *proxy.Binder) error {
				bound, err := b.Bindings(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tPROXY")
				for _, n := range names {
					p := "-"
					if raw := bound[n]; raw != "" {
						p = proxy.Redact(raw)
					}
					fmt.Fprintf(tw, "%s\t%s\n", n, p)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d sessions\n", len(names))
				return err
			})
		},
	}
}
