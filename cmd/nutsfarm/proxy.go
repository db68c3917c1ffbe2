package main

import (
	"fmt"

	"nutsfarm/internal/app"
	"nutsfarm/internal/proxy"
	"nutsfarm/internal/storage"
	logx "nutsfarm/pkg/logx"

	"github.com/spf13/cobra"
)

func newProxyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Show or change session proxy bindings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <session>",
			Short: "Print the proxy bound to a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withBinder(func(b *proxy.Binder) error {
					all, err := b.Bindings(cmd.Context())
					if err != nil {
						return err
					}
					if p, ok := all[args[0]]; ok && p != "" {
						_, err = fmt.Fprintf(cmd.OutOrStdout(), "Current proxy: %s\n", proxy.Redact(p))
						return err
					}
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "No proxy bound to this session")
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "bind <session> <proxy>",
			Short: "Pin a session to a proxy",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withBinder(func(b *proxy.Binder) error {
					if err := b.Bind(cmd.Context(), args[0], args[1]); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "Bound proxy %s to session %s\n", proxy.Redact(args[1]), args[0])
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "unbind <session>",
			Short: "Remove a session's proxy binding",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withBinder(func(b *proxy.Binder) error {
					if err := b.Unbind(cmd.Context(), args[0]); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "Unbound proxy from session %s\n", args[0])
					return err
				})
			},
		},
	)
	return cmd
}

// withBinder opens the configured store for the duration of fn.
func (c *cli) withBinder(fn func(*proxy.Binder) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	store, err := app.OpenStore(cfg, logx.NewConsole(c.cliLevel()))
	if err != nil {
		return err
	}
	defer func(s storage.Store) { _ = s.Close() }(store)

	b, err := app.NewBinder(cfg, store)
	if err != nil {
		return err
	}
	return fn(b)
}

func (c *cli) cliLevel() string {
	if l := c.logLevel(); l != "" {
		return l
	}
	return "warn"
}
