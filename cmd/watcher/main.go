package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "1.0.0"
	configPath string
	debugFlag  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "watcher",
		Short: "Archive media posted to Discord channels",
		Long: "watcher listens to Discord messages and profile changes and archives every\n" +
			"attachment and linked tweet media to disk with the original post time.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context())
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to config file (.json or .yaml)")
	root.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")

	root.AddCommand(runCmd())
	root.AddCommand(initCmd())
	root.AddCommand(captureCmd())
	root.AddCommand(resolveCmd())
	root.AddCommand(versionCmd())
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to Discord and archive media as it is posted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "watcher v%s\n", version)
		},
	}
}
