package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/pojntfx/nbdadm/pkg/control"
	"github.com/pojntfx/nbdadm/pkg/frontend"
	"github.com/pojntfx/nbdadm/pkg/registry"
	"github.com/spf13/cobra"
)

const (
	detachTimeout = 10 * time.Second
)

var (
	attachInstance uint32
	attachName     string
	attachExport   string
	attachServer   string
	attachDevice   string
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach an export and serve it on a kernel NBD device",
	Long: `Attach connects to a server, negotiates an export and serves it on
/dev/nbdN until the device is disconnected or nbdadm is interrupted.

Examples:
  # Attach the export "disk" as instance 0 on /dev/nbd0
  nbdadm attach --instance 0 --name disk --server 10.0.0.1

  # Attach a differently named export on an explicit device
  nbdadm attach --instance 2 --name scratch --export tmp --server [fd00::1]:10810 --device /dev/nbd5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		c := newControl(store)

		instance, err := c.Attach(cmd.Context(), control.AttachRequest{
			Instance:   attachInstance,
			Name:       attachName,
			Address:    attachServer,
			ExportName: attachExport,
		})
		if err != nil {
			return err
		}

		serveErr := serve(cmd.Context(), instance, devicePath(attachInstance, attachDevice))

		return errors.Join(serveErr, detach(c, instance.Number))
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)

	attachCmd.Flags().Uint32VarP(&attachInstance, "instance", "i", 0, "device instance number")
	attachCmd.Flags().StringVarP(&attachName, "name", "n", "", "instance name; also the export name unless --export is set")
	attachCmd.Flags().StringVarP(&attachExport, "export", "e", "", "export name")
	attachCmd.Flags().StringVarP(&attachServer, "server", "s", "", "server address (host, host:port, [ipv6]:port or unix:path)")
	attachCmd.Flags().StringVarP(&attachDevice, "device", "d", "", "kernel device (default is /dev/nbd<instance>)")

	_ = attachCmd.MarkFlagRequired("name")
	_ = attachCmd.MarkFlagRequired("server")
}

// serve exposes instance on the kernel device at path until it is
// disconnected or ctx is cancelled.
func serve(ctx context.Context, instance *registry.Instance, path string) error {
	device, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("could not open device: %w", err)
	}
	defer device.Close()

	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"instance": instance.Number,
		"name":     instance.Name,
	}))

	return frontend.Attach(ctx, device, instance.Engine, &frontend.Options{
		OnConnected: func() {
			log.G(ctx).WithField("device", path).Info("Connected")
		},
		ReadyCheckUdev: cfg.ReadyCheckUdev,
		Timeout:        cfg.KernelTimeout,
	})
}

// detach removes an instance after its device is gone, falling back to a
// forced close if it still has transactions outstanding.
func detach(c *control.Control, number uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()

	if err := c.Detach(ctx, number); err != nil {
		log.G(ctx).WithError(err).WithField("instance", number).Warn("Could not detach cleanly")
	}

	return c.Close(ctx)
}
