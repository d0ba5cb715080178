package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/splax/kubeploy/pkg/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "kubeploy",
	Short:         "Build applications from git and roll them out to Kubernetes environments",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadFile(configFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("KUBEPLOY_CONFIG"), "YAML file of KEY: value settings; environment variables win")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
