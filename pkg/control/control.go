// Package control is the administrative entry point: it attaches remote
// exports as numbered device instances, routes block I/O into them and
// detaches them again.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/pojntfx/nbdadm/pkg/client"
	"github.com/pojntfx/nbdadm/pkg/engine"
	"github.com/pojntfx/nbdadm/pkg/registry"
	"github.com/pojntfx/nbdadm/pkg/state"
	"github.com/pojntfx/nbdadm/pkg/transport"
)

var (
	ErrConnectFailed     = errors.New("connect failed")
	ErrNegotiationFailed = errors.New("negotiation failed")
)

// Store records attachments so they can be restored.
type Store interface {
	Put(record state.Record) error
	Delete(instance uint32) error
	List() ([]state.Record, error)
}

type Options struct {
	// Handshake and dial settings; the export name is set per attachment
	Client *client.Options

	Engine   *engine.Options
	Registry *registry.Options

	// Optional
	Store Store
}

type AttachRequest struct {
	Instance uint32
	Name     string
	Address  string

	// Defaults to Name
	ExportName string
}

type Control struct {
	options  *Options
	registry *registry.Registry
}

func New(options *Options) *Control {
	if options == nil {
		options = &Options{}
	}

	if options.Client == nil {
		options.Client = &client.Options{}
	}

	if options.Engine == nil {
		options.Engine = &engine.Options{}
	}

	return &Control{
		options:  options,
		registry: registry.New(options.Registry),
	}
}

// Attach connects to the request's address and negotiates its export. The
// instance is registered only if both succeed; on failure nothing is left
// behind.
func (c *Control) Attach(ctx context.Context, request AttachRequest) (*registry.Instance, error) {
	exportName := request.ExportName
	if exportName == "" {
		exportName = request.Name
	}

	if err := c.registry.Reserve(request.Instance, request.Name); err != nil {
		return nil, err
	}

	committed := false
	defer func() {
		if !committed {
			c.registry.Release(request.Instance)
		}
	}()

	id := uuid.New()

	logger := log.G(ctx).WithFields(log.Fields{
		"instance": request.Instance,
		"name":     request.Name,
		"remote":   request.Address,
		"session":  id,
	})
	ctx = log.WithLogger(ctx, logger)

	clientOptions := *c.options.Client
	clientOptions.ExportName = exportName
	if clientOptions.Dial != nil {
		dialOptions := *clientOptions.Dial
		clientOptions.Dial = &dialOptions
	}

	session, export, err := client.Connect(ctx, request.Address, &clientOptions)
	if err != nil {
		var connectErr *transport.ConnectError
		if errors.As(err, &connectErr) {
			return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
		}

		return nil, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}

	engineOptions := *c.options.Engine
	e := engine.New(ctx, session, export, &engineOptions)

	instance := &registry.Instance{
		Number:     request.Instance,
		Name:       request.Name,
		ExportName: exportName,
		Address:    request.Address,

		ID:         id,
		AttachedAt: time.Now(),

		Engine: e,
	}

	if err := c.registry.Commit(instance); err != nil {
		_ = e.Close(ctx)

		return nil, err
	}
	committed = true

	if c.options.Store != nil {
		if err := c.options.Store.Put(state.Record{
			Instance:   instance.Number,
			Name:       instance.Name,
			ExportName: instance.ExportName,
			Address:    instance.Address,

			SessionID:         id.String(),
			Size:              export.Size,
			TransmissionFlags: export.TransmissionFlags,
			AttachedAt:        instance.AttachedAt,
		}); err != nil {
			logger.WithError(err).Warn("Could not record attachment")
		}
	}

	logger.WithFields(log.Fields{
		"size":     export.Size,
		"readOnly": export.ReadOnly(),
	}).Info("Attached")

	return instance, nil
}

// Detach removes an idle instance. It fails with engine.ErrBusy while
// transactions are outstanding.
func (c *Control) Detach(ctx context.Context, number uint32) error {
	instance, err := c.registry.Detach(ctx, number)
	if err != nil {
		return err
	}

	if c.options.Store != nil {
		if err := c.options.Store.Delete(number); err != nil {
			log.G(ctx).WithError(err).WithField("instance", number).Warn("Could not remove attachment record")
		}
	}

	log.G(ctx).WithFields(log.Fields{
		"instance": number,
		"session":  instance.ID,
	}).Info("Detached")

	return nil
}

func (c *Control) Lookup(number uint32) (*registry.Instance, error) {
	return c.registry.Lookup(number)
}

func (c *Control) List() []*registry.Instance {
	return c.registry.List()
}

func (c *Control) engine(number uint32) (*engine.Engine, error) {
	instance, err := c.registry.Lookup(number)
	if err != nil {
		return nil, err
	}

	return instance.Engine, nil
}

func (c *Control) SubmitRead(number uint32, offset uint64, length uint32) (uint64, error) {
	e, err := c.engine(number)
	if err != nil {
		return 0, err
	}

	return e.Submit(engine.KindRead, offset, length, nil)
}

func (c *Control) SubmitWrite(number uint32, offset uint64, length uint32, payload []byte) (uint64, error) {
	e, err := c.engine(number)
	if err != nil {
		return 0, err
	}

	return e.Submit(engine.KindWrite, offset, length, payload)
}

func (c *Control) SubmitFlush(number uint32) (uint64, error) {
	e, err := c.engine(number)
	if err != nil {
		return 0, err
	}

	return e.Submit(engine.KindFlush, 0, 0, nil)
}

func (c *Control) SubmitTrim(number uint32, offset uint64, length uint32) (uint64, error) {
	e, err := c.engine(number)
	if err != nil {
		return 0, err
	}

	return e.Submit(engine.KindTrim, offset, length, nil)
}

func (c *Control) PollCompletions(number uint32) ([]engine.Completion, error) {
	e, err := c.engine(number)
	if err != nil {
		return nil, err
	}

	return e.PollCompletions(), nil
}

func (c *Control) Geometry(number uint32) (Geometry, error) {
	e, err := c.engine(number)
	if err != nil {
		return Geometry{}, err
	}

	return GeometryOf(e.Export()), nil
}

// Restore attaches every recorded instance on a fresh session. Every record
// is attempted; the failures are returned together.
func (c *Control) Restore(ctx context.Context) error {
	if c.options.Store == nil {
		return nil
	}

	records, err := c.options.Store.List()
	if err != nil {
		return fmt.Errorf("could not list attachment records: %w", err)
	}

	errs := []error{}
	for _, record := range records {
		if _, err := c.Attach(ctx, AttachRequest{
			Instance:   record.Instance,
			Name:       record.Name,
			Address:    record.Address,
			ExportName: record.ExportName,
		}); err != nil {
			log.G(ctx).WithError(err).WithField("instance", record.Instance).Warn("Could not restore attachment")

			errs = append(errs, fmt.Errorf("instance %v: %w", record.Instance, err))
		}
	}

	return errors.Join(errs...)
}

// Close detaches every instance, failing the outstanding transactions of
// busy ones. Attachment records are kept for Restore.
func (c *Control) Close(ctx context.Context) error {
	return c.registry.Close(ctx)
}
