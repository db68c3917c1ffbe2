package main

import (
	"strings"

	"nutsfarm/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli carries the flag and environment bindings shared by every command.
// Flags win over NUTSFARM_* variables.
type cli struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("NUTSFARM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "nutsfarm",
		Short:        "Run and manage farming sessions",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "./config.json", "path to the config file (json, yaml or toml)")
	root.PersistentFlags().String("log-level", "", "override logging.level")
	_ = v.BindPFlags(root.PersistentFlags())

	c := &cli{v: v}
	root.AddCommand(
		newRunCmd(c),
		newProxyCmd(c),
		newSessionsCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) configPath() string { return c.v.GetString("config") }

func (c *cli) logLevel() string { return c.v.GetString("log-level") }

func (c *cli) loadConfig() (*config.Config, error) {
	return config.NewConfigManager(c.configPath()).Load()
}
