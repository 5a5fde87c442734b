package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/pojntfx/nbdadm/pkg/client"
	"github.com/pojntfx/nbdadm/pkg/config"
	"github.com/pojntfx/nbdadm/pkg/control"
	"github.com/pojntfx/nbdadm/pkg/engine"
	"github.com/pojntfx/nbdadm/pkg/registry"
	"github.com/pojntfx/nbdadm/pkg/state"
	"github.com/pojntfx/nbdadm/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	configFile string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "nbdadm",
	Short: "Attach remote NBD exports as local block devices",
	Long: `nbdadm attaches exports served over the Network Block Device protocol
as numbered device instances and exposes them through the kernel's NBD driver.

Commands:
  attach    Attach an export and serve it on /dev/nbdN until interrupted
  detach    Disconnect a kernel NBD device
  list      List the exports of a server
  status    Show recorded attachments
  run       Attach every configured device and serve them`,
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := config.New()

		flags := cmd.Root().PersistentFlags()
		if err := v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level")); err != nil {
			return err
		}

		if err := v.BindPFlag(config.KeyStatePath, flags.Lookup("state")); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(v, configFile)
		if err != nil {
			return err
		}

		if err := log.SetLevel(cfg.LogLevel); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is nbdadm.yaml in ., $HOME/.nbdadm or /etc/nbdadm)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("state", "/var/lib/nbdadm/state.db", "path to the attachment state database")
}

func newControl(store control.Store) *control.Control {
	return control.New(&control.Options{
		Client: &client.Options{
			Timeout: cfg.NegotiationTimeout,
			Dial: &transport.DialOptions{
				Timeout: cfg.DialTimeout,
			},
		},
		Engine: &engine.Options{
			MaxTransferSize: cfg.MaxTransferSize,
		},
		Registry: &registry.Options{
			MaxInstances:  cfg.MaxInstances,
			MaxNameLength: cfg.MaxNameLength,
		},
		Store: store,
	})
}

func openStore() (*state.Store, error) {
	store, err := state.Open(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("could not open state at %v: %w", cfg.StatePath, err)
	}

	return store, nil
}

func devicePath(instance uint32, device string) string {
	if device != "" {
		return device
	}

	return fmt.Sprintf("/dev/nbd%d", instance)
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}
