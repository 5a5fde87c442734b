package main

import (
	"context"
	"errors"

	"github.com/containerd/log"
	"github.com/pojntfx/nbdadm/pkg/config"
	"github.com/pojntfx/nbdadm/pkg/control"
	"github.com/pojntfx/nbdadm/pkg/registry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	runRestore bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach every configured device and serve them",
	Long: `Run attaches the devices declared in the configuration file, optionally
restores the attachments recorded by a previous run, and serves each of them
on its kernel device until interrupted.

Examples:
  nbdadm run --config /etc/nbdadm/nbdadm.yaml --restore`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore()
		if err != nil {
			return err
		}

		c := newControl(store)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
			defer cancel()

			if err := c.Close(ctx); err != nil {
				log.G(ctx).WithError(err).Warn("Could not close instances")
			}
		}()

		if runRestore {
			// Failures are logged by Restore; what could be restored is served
			_ = c.Restore(ctx)
		}

		devices := attachDevices(ctx, c, cfg.Devices)

		instances := c.List()
		if len(instances) == 0 {
			log.G(ctx).Warn("No devices to serve")

			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, instance := range instances {
			instance := instance

			g.Go(func() error {
				err := serve(gctx, instance, devicePath(instance.Number, devices[instance.Number]))
				if err != nil {
					log.G(gctx).WithError(err).WithField("instance", instance.Number).Warn("Device stopped")

					return err
				}

				// Disconnected from the kernel side, e.g. by `nbdadm detach`
				if ctx.Err() == nil {
					if err := c.Detach(gctx, instance.Number); err != nil {
						log.G(gctx).WithError(err).WithField("instance", instance.Number).Warn("Could not detach")
					}
				}

				return nil
			})
		}

		return g.Wait()
	},
}

// attachDevices attaches every declared device, logging the ones that fail so
// that the others are still served. It returns the kernel device of each
// declared instance.
func attachDevices(ctx context.Context, c *control.Control, declared []config.Device) map[uint32]string {
	devices := map[uint32]string{}
	for _, device := range declared {
		devices[device.Instance] = device.Device

		if _, err := c.Attach(ctx, control.AttachRequest{
			Instance:   device.Instance,
			Name:       device.Name,
			Address:    device.Server,
			ExportName: device.Export,
		}); err != nil {
			if errors.Is(err, registry.ErrAlreadyAttached) {
				continue
			}

			log.G(ctx).WithError(err).WithField("instance", device.Instance).Warn("Could not attach device")
		}
	}

	return devices
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVarP(&runRestore, "restore", "r", false, "restore recorded attachments before attaching configured devices")
}
