package main

import (
	"github.com/containerd/log"
	"github.com/pojntfx/nbdadm/pkg/client"
	"github.com/pojntfx/nbdadm/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	listServer string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the exports of a server",
	Long: `List asks a server for the names of its exports and prints them as JSON.

Examples:
  nbdadm list --server 10.0.0.1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		session, err := transport.Dial(ctx, listServer, &transport.DialOptions{
			Timeout: cfg.DialTimeout,
		})
		if err != nil {
			return err
		}
		defer session.Close()

		log.G(ctx).WithField("remote", session.RemoteAddr()).Debug("Connected")

		exports, err := client.List(ctx, session)
		if err != nil {
			return err
		}

		return printJSON(exports)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listServer, "server", "s", "", "server address")

	_ = listCmd.MarkFlagRequired("server")
}
