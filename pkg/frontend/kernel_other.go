//go:build !linux

package frontend

import (
	"context"
	"os"
	"time"
)

type Options struct {
	OnConnected func()

	ReadyCheckUdev         bool
	ReadyCheckPollInterval time.Duration

	Timeout time.Duration
}

func Attach(ctx context.Context, device *os.File, target Device, options *Options) error {
	return ErrUnsupportedPlatform
}

func Disconnect(device *os.File) error {
	return ErrUnsupportedPlatform
}
