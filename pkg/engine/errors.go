package engine

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	ErrInvalidLength     = fmt.Errorf("invalid length: %w", errdefs.ErrInvalidArgument)
	ErrNotWritable       = fmt.Errorf("export is not writable: %w", errdefs.ErrPermissionDenied)
	ErrNotSupported      = fmt.Errorf("not supported by export: %w", errdefs.ErrNotImplemented)
	ErrUnknownKind       = fmt.Errorf("unknown operation kind: %w", errdefs.ErrInvalidArgument)
	ErrSessionClosed     = fmt.Errorf("session closed: %w", errdefs.ErrUnavailable)
	ErrTransportLost     = fmt.Errorf("transport lost: %w", errdefs.ErrUnavailable)
	ErrBusy              = fmt.Errorf("transactions outstanding: %w", errdefs.ErrFailedPrecondition)
	ErrProtocolViolation = errors.New("protocol violation")
	ErrDisconnected      = errors.New("disconnected")
)
