package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli carries the state shared by every command.
type cli struct {
	v       *viper.Viper
	cfgFile string
	actor   string
}

func newRootCmd() *cobra.Command {
	c := &cli{v: newViper()}

	root := &cobra.Command{
		Use:          "flowd",
		Short:        "Workflow engine for portal approvals and processes",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return readConfig(c.v, c.cfgFile)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default ./flowd.yaml, then ~/.flowd/flowd.yaml)")
	pf.StringVar(&c.actor, "actor", os.Getenv("USER"), "user performing the operation")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("db", "", "database path")
	pf.String("base-url", "", "base URL of a running flowd, for client commands")
	_ = c.v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = c.v.BindPFlag("db_path", pf.Lookup("db"))
	_ = c.v.BindPFlag("base_url", pf.Lookup("base-url"))

	root.AddCommand(
		c.newServeCmd(),
		c.newMCPCmd(),
		c.newPublishCmd(),
		c.newStartCmd(),
		c.newDecideCmd(),
		c.newCancelCmd(),
		c.newStatusCmd(),
		newVersionCmd(),
	)
	return root
}

func (c *cli) config() (Config, error) {
	return decodeConfig(c.v)
}
