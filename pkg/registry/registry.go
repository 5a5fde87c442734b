// Package registry tracks the attached device instances of one control
// surface.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/pojntfx/nbdadm/pkg/client"
	"github.com/pojntfx/nbdadm/pkg/engine"
)

const (
	DefaultMaxNameLength = 1024
)

var (
	ErrAlreadyAttached  = fmt.Errorf("already attached: %w", errdefs.ErrAlreadyExists)
	ErrNotAttached      = fmt.Errorf("not attached: %w", errdefs.ErrNotFound)
	ErrInvalidName      = fmt.Errorf("invalid name: %w", errdefs.ErrInvalidArgument)
	ErrTooManyInstances = fmt.Errorf("too many instances: %w", errdefs.ErrResourceExhausted)
	ErrClosed           = fmt.Errorf("registry closed: %w", errdefs.ErrUnavailable)
	ErrNotReserved      = fmt.Errorf("instance not reserved: %w", errdefs.ErrFailedPrecondition)
)

// Instance is one attached remote export.
type Instance struct {
	Number     uint32
	Name       string
	ExportName string
	Address    string

	ID         uuid.UUID
	AttachedAt time.Time

	Engine *engine.Engine
}

func (i *Instance) Export() client.ExportDescriptor {
	return i.Engine.Export()
}

// Operational reports whether the instance's session is still alive.
func (i *Instance) Operational() bool {
	select {
	case <-i.Engine.Done():
		return false
	default:
		return true
	}
}

type Options struct {
	// Zero means unbounded
	MaxInstances int

	MaxNameLength int
}

type entry struct {
	name     string
	instance *Instance
}

// Registry is the single authority for instance existence. An instance is
// first reserved, which claims its number and name, and then either
// committed once it is ready to serve or released.
type Registry struct {
	options *Options

	lock    sync.Mutex
	entries map[uint32]*entry
	closed  bool
}

func New(options *Options) *Registry {
	if options == nil {
		options = &Options{}
	}

	if options.MaxNameLength <= 0 {
		options.MaxNameLength = DefaultMaxNameLength
	}

	return &Registry{
		options: options,
		entries: map[uint32]*entry{},
	}
}

func (r *Registry) Reserve(number uint32, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}

	if len(name) > r.options.MaxNameLength {
		return fmt.Errorf("%w: longer than %v bytes", ErrInvalidName, r.options.MaxNameLength)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return ErrClosed
	}

	if _, ok := r.entries[number]; ok {
		return fmt.Errorf("instance %v: %w", number, ErrAlreadyAttached)
	}

	for n, e := range r.entries {
		if e.name == name {
			return fmt.Errorf("name %q is used by instance %v: %w", name, n, ErrAlreadyAttached)
		}
	}

	if r.options.MaxInstances > 0 && len(r.entries) >= r.options.MaxInstances {
		return fmt.Errorf("%w: limit is %v", ErrTooManyInstances, r.options.MaxInstances)
	}

	r.entries[number] = &entry{name: name}

	return nil
}

// Commit makes a reserved instance visible to Lookup.
func (r *Registry) Commit(instance *Instance) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.entries[instance.Number]
	if !ok || e.instance != nil || e.name != instance.Name {
		return fmt.Errorf("instance %v: %w", instance.Number, ErrNotReserved)
	}

	if r.closed {
		delete(r.entries, instance.Number)

		return ErrClosed
	}

	e.instance = instance

	return nil
}

// Release drops a reservation that was never committed.
func (r *Registry) Release(number uint32) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if e, ok := r.entries[number]; ok && e.instance == nil {
		delete(r.entries, number)
	}
}

func (r *Registry) Lookup(number uint32) (*Instance, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.entries[number]
	if !ok || e.instance == nil {
		return nil, fmt.Errorf("instance %v: %w", number, ErrNotAttached)
	}

	return e.instance, nil
}

// Detach removes an idle instance and disconnects its session. It fails with
// engine.ErrBusy if transactions are outstanding, leaving the instance
// attached.
func (r *Registry) Detach(ctx context.Context, number uint32) (*Instance, error) {
	r.lock.Lock()
	e, ok := r.entries[number]
	if !ok || e.instance == nil {
		r.lock.Unlock()

		return nil, fmt.Errorf("instance %v: %w", number, ErrNotAttached)
	}

	if err := e.instance.Engine.Seal(); err != nil {
		r.lock.Unlock()

		return nil, fmt.Errorf("instance %v: %w", number, err)
	}

	delete(r.entries, number)
	r.lock.Unlock()

	return e.instance, e.instance.Engine.Close(ctx)
}

// List returns the committed instances ordered by number.
func (r *Registry) List() []*Instance {
	r.lock.Lock()
	defer r.lock.Unlock()

	instances := []*Instance{}
	for _, e := range r.entries {
		if e.instance != nil {
			instances = append(instances, e.instance)
		}
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Number < instances[j].Number
	})

	return instances
}

// Close refuses further reservations and disconnects every instance,
// including busy ones whose outstanding transactions then fail.
func (r *Registry) Close(ctx context.Context) error {
	r.lock.Lock()
	r.closed = true

	instances := []*Instance{}
	for number, e := range r.entries {
		if e.instance == nil {
			continue
		}

		instances = append(instances, e.instance)
		delete(r.entries, number)
	}
	r.lock.Unlock()

	for _, instance := range instances {
		if n := instance.Engine.Outstanding(); n > 0 {
			log.G(ctx).WithFields(log.Fields{
				"instance":    instance.Number,
				"outstanding": n,
			}).Warn("Closing busy instance")
		}

		if err := instance.Engine.Close(ctx); err != nil {
			return err
		}
	}

	return nil
}
