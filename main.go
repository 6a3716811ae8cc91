package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/config"
)

var version = "dev"

type rootFlags struct {
	configPath string
	user       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "prism-board",
		Short:         "Unified task board: aggregation, views and saved layouts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&flags.user, "user", "local", "user whose layouts the command uses")

	root.AddCommand(serveCmd(flags))
	root.AddCommand(statsCmd(flags))
	root.AddCommand(viewCmd(flags))
	root.AddCommand(layoutsCmd(flags))
	root.AddCommand(initStorageCmd(flags))
	root.AddCommand(relayCmd(flags))
	root.AddCommand(tokenCmd(flags))
	return root
}

// loadConfig reads the configuration and applies the log level.
func (f *rootFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	return cfg, nil
}
