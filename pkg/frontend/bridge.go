// Package frontend exposes attached instances as kernel block devices.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/containerd/log"
	"github.com/pojntfx/nbdadm/pkg/client"
	"github.com/pojntfx/nbdadm/pkg/engine"
	"github.com/pojntfx/nbdadm/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnsupportedPlatform = errors.New("kernel block devices are not supported on this platform")

	errDisconnected = errors.New("disconnected")
)

// Device is the instance a bridge routes block requests into.
type Device interface {
	SubmitWithFlags(kind engine.Kind, flags uint16, offset uint64, length uint32, payload []byte) (uint64, error)
	PollCompletions() []engine.Completion
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Export() client.ExportDescriptor
}

// Errno maps the outcome of a transaction to the error code reported to the
// block layer.
func Errno(err error) protocol.Errno {
	if err == nil {
		return 0
	}

	var errno protocol.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errors.Is(err, engine.ErrNotWritable):
		return protocol.EPERM
	case errors.Is(err, engine.ErrInvalidLength), errors.Is(err, engine.ErrUnknownKind):
		return protocol.EINVAL
	case errors.Is(err, engine.ErrNotSupported):
		return protocol.ENOTSUP
	case errors.Is(err, engine.ErrTransportLost), errors.Is(err, engine.ErrSessionClosed):
		return protocol.ESHUTDOWN
	default:
		return protocol.EIO
	}
}

// Bridge serves NBD transmission requests read from conn, as issued by the
// kernel's NBD driver, out of a Device. Request handles are translated so the
// kernel's handles never reach the wire.
type Bridge struct {
	conn   io.ReadWriteCloser
	device Device

	log *log.Entry

	writeLock sync.Mutex

	lock    sync.Mutex
	handles map[uint64]uint64
}

func NewBridge(ctx context.Context, conn io.ReadWriteCloser, device Device) *Bridge {
	return &Bridge{
		conn:   conn,
		device: device,

		log: log.G(ctx).WithField("export", device.Export().Name),

		handles: map[uint64]uint64{},
	}
}

// Serve handles requests until the kernel disconnects, the device's session
// ends or ctx is cancelled. conn is closed when Serve returns.
func (b *Bridge) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(gctx, func() {
		_ = b.conn.Close()
	})
	defer stop()

	g.Go(b.receive)
	g.Go(func() error {
		return b.complete(gctx)
	})

	err := g.Wait()

	_ = b.conn.Close()

	if errors.Is(err, errDisconnected) {
		b.log.Debug("Block device disconnected")

		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	return err
}

func (b *Bridge) reply(handle uint64, errno protocol.Errno, payload []byte) error {
	if errno != 0 {
		payload = nil
	}

	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	if _, err := b.conn.Write(protocol.EncodeReply(protocol.TransmissionReplyHeader{
		Error:  uint32(errno),
		Handle: handle,
	}, payload)); err != nil {
		return fmt.Errorf("could not write reply: %w", err)
	}

	return nil
}

func (b *Bridge) receive() error {
	header := make([]byte, protocol.REQUEST_HEADER_SIZE)
	for {
		if _, err := io.ReadFull(b.conn, header); err != nil {
			if errors.Is(err, io.EOF) {
				return errDisconnected
			}

			return fmt.Errorf("could not read request: %w", err)
		}

		request, err := protocol.DecodeRequestHeader(header)
		if err != nil {
			return err
		}

		kind := engine.Kind(request.Type)

		var payload []byte
		if kind == engine.KindWrite {
			payload = make([]byte, request.Length)
			if _, err := io.ReadFull(b.conn, payload); err != nil {
				return fmt.Errorf("could not read write payload: %w", err)
			}
		}

		// The kernel's disconnect ends this bridge, not the instance
		if kind == engine.KindDisconnect {
			return errDisconnected
		}

		b.lock.Lock()
		handle, err := b.device.SubmitWithFlags(kind, request.CommandFlags, request.Offset, request.Length, payload)
		if err == nil {
			b.handles[handle] = request.Handle
		}
		b.lock.Unlock()

		if err != nil {
			b.log.WithError(err).WithFields(log.Fields{
				"kind":   kind,
				"offset": request.Offset,
				"length": request.Length,
			}).Debug("Rejected block request")

			if err := b.reply(request.Handle, Errno(err), nil); err != nil {
				return err
			}
		}
	}
}

func (b *Bridge) flush() error {
	for _, completion := range b.device.PollCompletions() {
		b.lock.Lock()
		handle, ok := b.handles[completion.Handle]
		delete(b.handles, completion.Handle)
		b.lock.Unlock()

		if !ok {
			b.log.WithField("handle", completion.Handle).Debug("Dropping completion not submitted by bridge")

			continue
		}

		if err := b.reply(handle, Errno(completion.Err), completion.Payload); err != nil {
			return err
		}
	}

	return nil
}

func (b *Bridge) complete(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.device.Ready():
			if err := b.flush(); err != nil {
				return err
			}
		case <-b.device.Done():
			if err := b.flush(); err != nil {
				return err
			}

			return engine.ErrTransportLost
		}
	}
}
