package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var buildVersion = "dev"

var (
	apiFlag   string
	tokenFlag string
)

var rootCmd = &cobra.Command{
	Use:           "kubeployctl",
	Short:         "Trigger deployments and follow their logs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiFlag, "api", "", "API base URL (default from saved config or http://localhost:4000)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "bearer token (default $KUBEPLOY_TOKEN, saved config, then prompt)")
	rootCmd.AddCommand(loginCmd, deployCmd, statusCmd, envCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
