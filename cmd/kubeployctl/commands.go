package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/kubeploy/pkg/api/client"
)

const requestTimeout = 15 * time.Second

var followFlag bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save the API address and a token for later commands",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(path)
		if err != nil {
			return err
		}
		token, err := resolveToken(tokenFlag, os.Getenv("KUBEPLOY_TOKEN"), "", promptToken())
		if err != nil {
			return err
		}
		cfg.AccessToken = token
		if apiFlag != "" {
			cfg.APIBaseURL = apiFlag
		}
		if err := saveConfig(path, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "credentials saved to %s\n", path)
		return nil
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy <application-id>",
	Short: "Trigger a deployment, optionally following its logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		ack, err := client.Trigger(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "deployment started: session=%s\n", ack.SessionID)
		if !followFlag {
			return nil
		}

		streamCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		err = client.StreamLogs(streamCtx, ack.SessionID, func(kind, line string) {
			fmt.Fprintf(out, "[%s] %s\n", kind, line)
		})
		if errors.Is(err, apiclient.ErrStreamClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <application-id>",
	Short: "Show the build and lifecycle state of an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		status, err := client.Status(ctx, args[0])
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "status\t%s\n", status.Status)
		fmt.Fprintf(tw, "build\t%s\n", status.BuildStatus)
		fmt.Fprintf(tw, "image\t%s\n", status.ImageRef)
		if err := tw.Flush(); err != nil {
			return err
		}
		if status.Logs != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", status.Logs)
		}
		return nil
	},
}

var envKubeconfig string

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage environments",
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments you belong to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		envs, err := client.ListEnvironments(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tMANAGED\tSTATUS")
		for _, env := range envs {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", env.ID, env.Name, env.Managed, env.Status)
		}
		return tw.Flush()
	},
}

var envCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an environment; without --kubeconfig a local cluster is provisioned",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var content string
		if envKubeconfig != "" {
			raw, err := os.ReadFile(envKubeconfig)
			if err != nil {
				return err
			}
			content = string(raw)
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		env, err := client.CreateEnvironment(ctx, args[0], content)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "environment %s created: id=%s status=%s\n", env.Name, env.ID, env.Status)
		return nil
	},
}

var envDeleteCmd = &cobra.Command{
	Use:   "delete <environment-id>",
	Short: "Delete an environment and its cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		if err := client.DeleteEnvironment(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "environment deleted")
		return nil
	},
}

func init() {
	deployCmd.Flags().BoolVarP(&followFlag, "follow", "f", false, "stream deployment logs until the session ends")
	envCreateCmd.Flags().StringVar(&envKubeconfig, "kubeconfig", "", "path to an existing cluster's kubeconfig")
	envCmd.AddCommand(envListCmd, envCreateCmd, envDeleteCmd)
}
