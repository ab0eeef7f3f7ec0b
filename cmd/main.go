package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theblitlabs/parity-federated/cmd/cli"
	"github.com/theblitlabs/parity-federated/pkg/logger"
)

var (
	logLevel   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "parity-federated",
	Short: "Parity Federated Learning",
	Long:  `Privacy-preserving federated learning coordinator and client`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(logLevel)
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the federation coordinator",
	Run: func(cmd *cobra.Command, args []string) {
		cli.RunServer(configPath)
	},
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Start a training client",
	Run: func(cmd *cobra.Command, args []string) {
		cli.RunClient(configPath)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		down, _ := cmd.Flags().GetBool("down")
		cli.RunMigrate(configPath, down)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "Path to config file")
	migrateCmd.Flags().Bool("down", false, "Roll migrations back instead of applying them")
}

func main() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
