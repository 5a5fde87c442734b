// Package config loads the nbdadm configuration with viper.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/spf13/viper"
)

const (
	KeyLogLevel           = "log_level"
	KeyStatePath          = "state_path"
	KeyDialTimeout        = "dial_timeout"
	KeyNegotiationTimeout = "negotiation_timeout"
	KeyMaxTransferSize    = "max_transfer_size"
	KeyMaxInstances       = "max_instances"
	KeyMaxNameLength      = "max_name_length"
	KeyReadyCheckUdev     = "ready_check_udev"
	KeyKernelTimeout      = "kernel_timeout"
	KeyDevices            = "devices"
)

var (
	ErrInvalidConfig = fmt.Errorf("invalid configuration: %w", errdefs.ErrInvalidArgument)
)

// Device declares an attachment made by `nbdadm run`.
type Device struct {
	Instance uint32 `mapstructure:"instance"`
	Name     string `mapstructure:"name"`

	// Defaults to Name
	Export string `mapstructure:"export"`
	Server string `mapstructure:"server"`

	// Kernel device to serve the instance on; defaults to /dev/nbd<instance>
	Device string `mapstructure:"device"`
}

type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	StatePath string `mapstructure:"state_path"`

	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`

	MaxTransferSize uint32 `mapstructure:"max_transfer_size"`
	MaxInstances    int    `mapstructure:"max_instances"`
	MaxNameLength   int    `mapstructure:"max_name_length"`

	ReadyCheckUdev bool          `mapstructure:"ready_check_udev"`
	KernelTimeout  time.Duration `mapstructure:"kernel_timeout"`

	Devices []Device `mapstructure:"devices"`
}

// New returns a viper instance with the defaults, search paths and
// environment overrides of nbdadm.
func New() *viper.Viper {
	v := viper.New()

	v.SetConfigName("nbdadm")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.nbdadm")
	v.AddConfigPath("/etc/nbdadm")

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyStatePath, "/var/lib/nbdadm/state.db")
	v.SetDefault(KeyDialTimeout, 10*time.Second)
	v.SetDefault(KeyNegotiationTimeout, 30*time.Second)
	v.SetDefault(KeyMaxTransferSize, 32*1024*1024)
	v.SetDefault(KeyMaxInstances, 0)
	v.SetDefault(KeyMaxNameLength, 1024)
	v.SetDefault(KeyReadyCheckUdev, false)
	v.SetDefault(KeyKernelTimeout, time.Duration(0))

	v.SetEnvPrefix("NBDADM")
	v.AutomaticEnv()

	return v
}

// Load reads file, or the first nbdadm.yaml on the search path if file is
// empty, and decodes the result. A missing config file on the search path is
// not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.MaxNameLength <= 0 {
		return fmt.Errorf("%w: %v must be positive", ErrInvalidConfig, KeyMaxNameLength)
	}

	if c.MaxInstances < 0 {
		return fmt.Errorf("%w: %v must not be negative", ErrInvalidConfig, KeyMaxInstances)
	}

	instances := map[uint32]struct{}{}
	names := map[string]struct{}{}
	for i, device := range c.Devices {
		if device.Name == "" {
			return fmt.Errorf("%w: device %v has no name", ErrInvalidConfig, i)
		}

		if device.Server == "" {
			return fmt.Errorf("%w: device %q has no server", ErrInvalidConfig, device.Name)
		}

		if _, ok := instances[device.Instance]; ok {
			return fmt.Errorf("%w: instance %v is declared twice", ErrInvalidConfig, device.Instance)
		}
		instances[device.Instance] = struct{}{}

		if _, ok := names[device.Name]; ok {
			return fmt.Errorf("%w: name %q is declared twice", ErrInvalidConfig, device.Name)
		}
		names[device.Name] = struct{}{}
	}

	return nil
}
