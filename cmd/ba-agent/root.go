// Command ba-agent runs the business-analysis assistant: an HTTP server
// wrapping the conversational agent, plus maintenance subcommands for
// the memory index.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"baagent/internal/config"
	"baagent/internal/logging"
)

var version = "1.0.0"

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ba-agent",
		Short: "Business-analysis assistant with durable memory",
		Long: `ba-agent serves a conversational business-analysis assistant over
HTTP. Conversations are distilled into durable memory records, indexed
for hybrid retrieval, and data analysis runs inside a Docker sandbox.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config YAML")

	root.AddCommand(newServeCmd())
	root.AddCommand(newIndexCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ba-agent %s\n", version)
		},
	}
}

// loadConfig reads the config file and initialises logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = cfg.FileStore.BaseDir + "/logs"
	}
	if err := logging.Initialize(logging.Options{
		Dir:     logDir,
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}
