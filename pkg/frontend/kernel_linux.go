package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/pilebones/go-udev/netlink"
	"github.com/pojntfx/nbdadm/pkg/control"
	"github.com/pojntfx/nbdadm/pkg/ioctl"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type Options struct {
	// Called once the kernel has picked up the device
	OnConnected func()

	ReadyCheckUdev         bool
	ReadyCheckPollInterval time.Duration

	// Kernel request timeout; zero keeps the driver's default
	Timeout time.Duration
}

// Attach hands device to the kernel's NBD driver and serves its requests out
// of target until the device is disconnected, target's session ends or ctx is
// cancelled.
func Attach(ctx context.Context, device *os.File, target Device, options *Options) error {
	if options == nil {
		options = &Options{}
	}

	if !options.ReadyCheckUdev && options.ReadyCheckPollInterval <= 0 {
		options.ReadyCheckPollInterval = time.Millisecond
	}

	logger := log.G(ctx).WithField("device", device.Name())

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("could not create socket pair: %w", err)
	}

	kernelFd := fds[0]
	closeKernelFd := func() {
		if kernelFd >= 0 {
			_ = unix.Close(kernelFd)
			kernelFd = -1
		}
	}
	defer closeKernelFd()

	userFile := os.NewFile(uintptr(fds[1]), "nbd-bridge")
	conn, err := net.FileConn(userFile)
	_ = userFile.Close()
	if err != nil {
		return fmt.Errorf("could not create bridge connection: %w", err)
	}

	// Subscribe before configuring the device so the change event can't be missed
	var ready func(ctx context.Context) error
	if options.OnConnected != nil {
		if options.ReadyCheckUdev {
			ready, err = watchUdev(device.Name())
			if err != nil {
				_ = conn.Close()

				return err
			}
		} else {
			ready = func(ctx context.Context) error {
				return pollSysfs(ctx, device.Name(), options.ReadyCheckPollInterval)
			}
		}
	}

	fd := int(device.Fd())
	geometry := control.GeometryOf(target.Export())

	if err := configure(fd, kernelFd, geometry, target.Export().TransmissionFlags, options.Timeout); err != nil {
		_ = conn.Close()

		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// Makes DO_IT return when we are done for any other reason
	stop := context.AfterFunc(gctx, func() {
		if err := Disconnect(device); err != nil {
			logger.WithError(err).Debug("Could not disconnect device")
		}
	})
	defer stop()

	g.Go(func() error {
		defer closeKernelFd()

		if err := unix.IoctlSetInt(fd, ioctl.NEGOTIATION_IOCTL_DO_IT, 0); err != nil {
			return fmt.Errorf("could not start device: %w", err)
		}

		// Stops the bridge and readiness check too
		return errDisconnected
	})

	g.Go(func() error {
		return NewBridge(gctx, conn, target).Serve(gctx)
	})

	if ready != nil {
		g.Go(func() error {
			if err := ready(gctx); err != nil {
				if gctx.Err() != nil {
					return nil
				}

				return fmt.Errorf("could not check device readiness: %w", err)
			}

			logger.WithFields(log.Fields{
				"blocks":     geometry.Blocks,
				"sectorSize": geometry.SectorSize,
			}).Info("Block device ready")

			options.OnConnected()

			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errDisconnected) && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Block device disconnected")

	return nil
}

func configure(fd int, sock int, geometry control.Geometry, flags uint16, timeout time.Duration) error {
	if err := unix.IoctlSetInt(fd, ioctl.NEGOTIATION_IOCTL_SET_SOCK, sock); err != nil {
		return fmt.Errorf("could not set socket: %w", err)
	}

	if err := unix.IoctlSetInt(fd, ioctl.NEGOTIATION_IOCTL_SET_BLOCKSIZE, int(geometry.SectorSize)); err != nil {
		return fmt.Errorf("could not set block size: %w", err)
	}

	if err := unix.IoctlSetInt(fd, ioctl.NEGOTIATION_IOCTL_SET_SIZE_BLOCKS, int(geometry.Blocks)); err != nil {
		return fmt.Errorf("could not set size: %w", err)
	}

	if timeout > 0 {
		if err := unix.IoctlSetInt(fd, ioctl.NEGOTIATION_IOCTL_SET_TIMEOUT, int(timeout/time.Second)); err != nil {
			return fmt.Errorf("could not set timeout: %w", err)
		}
	}

	if err := unix.IoctlSetInt(fd, ioctl.NEGOTIATION_IOCTL_SET_FLAGS, int(flags)); err != nil {
		return fmt.Errorf("could not set flags: %w", err)
	}

	return nil
}

func watchUdev(device string) (func(ctx context.Context) error, error) {
	udevConn := new(netlink.UEventConn)
	if err := udevConn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("could not connect to udev: %w", err)
	}

	var (
		udevReadyCh = make(chan netlink.UEvent)
		udevErrCh   = make(chan error)
		udevQuit    = udevConn.Monitor(udevReadyCh, udevErrCh, &netlink.RuleDefinitions{
			Rules: []netlink.RuleDefinition{
				{
					Env: map[string]string{
						"DEVNAME": device,
					},
				},
			},
		})
	)

	return func(ctx context.Context) error {
		defer udevConn.Close()
		defer close(udevQuit)

		select {
		case <-udevReadyCh:
			return nil
		case err := <-udevErrCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil
}

func pollSysfs(ctx context.Context, device string, interval time.Duration) error {
	sizeFile, err := os.Open(filepath.Join("/sys", "block", filepath.Base(device), "size"))
	if err != nil {
		return err
	}
	defer sizeFile.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := sizeFile.Seek(0, io.SeekStart); err != nil {
			return err
		}

		rsize, err := io.ReadAll(sizeFile)
		if err != nil {
			return err
		}

		size, err := strconv.ParseInt(strings.TrimSpace(string(rsize)), 10, 64)
		if err != nil {
			return err
		}

		if size > 0 {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect tells the kernel to drop the device's queue and socket.
func Disconnect(device *os.File) error {
	fd := int(device.Fd())

	if err := unix.IoctlSetInt(fd, ioctl.TRANSMISSION_IOCTL_CLEAR_QUE, 0); err != nil {
		return err
	}

	if err := unix.IoctlSetInt(fd, ioctl.TRANSMISSION_IOCTL_DISCONNECT, 0); err != nil {
		return err
	}

	if err := unix.IoctlSetInt(fd, ioctl.TRANSMISSION_IOCTL_CLEAR_SOCK, 0); err != nil {
		return err
	}

	return nil
}
