package main

import (
	"fmt"
	"os"

	"github.com/pojntfx/nbdadm/pkg/frontend"
	"github.com/spf13/cobra"
)

var detachCmd = &cobra.Command{
	Use:   "detach DEVICE",
	Short: "Disconnect a kernel NBD device",
	Long: `Detach disconnects a device served by "nbdadm attach" or "nbdadm run".
The serving process then detaches the instance and removes its record.

Examples:
  nbdadm detach /dev/nbd0`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, err := os.OpenFile(args[0], os.O_RDWR, 0o600)
		if err != nil {
			return fmt.Errorf("could not open device: %w", err)
		}
		defer device.Close()

		return frontend.Disconnect(device)
	},
}

func init() {
	rootCmd.AddCommand(detachCmd)
}
