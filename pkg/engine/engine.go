package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/containerd/log"
	"github.com/pojntfx/nbdadm/pkg/client"
	"github.com/pojntfx/nbdadm/pkg/protocol"
)

const (
	DefaultMaxTransferSize = 32 * 1024 * 1024
)

// Session is the part of a transport session the engine needs.
type Session interface {
	SendExact(b []byte) error
	RecvExact(n int) ([]byte, error)
	Close() error
}

type Options struct {
	// Largest read or write accepted by Submit
	MaxTransferSize uint32
}

// Engine multiplexes transactions over a negotiated session. Submissions are
// transmitted in submission order, replies are matched by handle and may
// complete in any order.
type Engine struct {
	session         Session
	export          client.ExportDescriptor
	maxTransferSize uint32

	log *log.Entry

	lock       sync.Mutex
	nextHandle uint64
	pending    map[uint64]*transaction
	queue      []*transaction
	completed  []Completion
	sealed     bool
	closed     bool
	err        error

	wake  chan struct{}
	ready chan struct{}
	done  chan struct{}

	wg sync.WaitGroup
}

func New(ctx context.Context, session Session, export client.ExportDescriptor, options *Options) *Engine {
	if options == nil {
		options = &Options{}
	}

	if options.MaxTransferSize == 0 {
		options.MaxTransferSize = DefaultMaxTransferSize
	}

	e := &Engine{
		session:         session,
		export:          export,
		maxTransferSize: options.MaxTransferSize,

		log: log.G(ctx).WithField("export", export.Name),

		nextHandle: 1,
		pending:    map[uint64]*transaction{},

		wake:  make(chan struct{}, 1),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	e.wg.Add(2)
	go e.transmit()
	go e.receive()

	return e
}

func (e *Engine) Export() client.ExportDescriptor {
	return e.export
}

// Submit queues a transaction and returns its handle without waiting for
// the server.
func (e *Engine) Submit(kind Kind, offset uint64, length uint32, payload []byte) (uint64, error) {
	return e.SubmitWithFlags(kind, 0, offset, length, payload)
}

func (e *Engine) SubmitWithFlags(kind Kind, flags uint16, offset uint64, length uint32, payload []byte) (uint64, error) {
	if err := e.validate(kind, flags, offset, length, payload); err != nil {
		return 0, err
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed || e.sealed {
		return 0, ErrSessionClosed
	}

	t := &transaction{
		handle: e.allocateHandle(),
		kind:   kind,
		flags:  flags,
		offset: offset,
		length: length,
	}

	if kind == KindWrite {
		t.payload = make([]byte, len(payload))
		copy(t.payload, payload)
	}

	// Nothing may follow a disconnect on the wire
	if kind == KindDisconnect {
		e.sealed = true
	}

	e.pending[t.handle] = t
	e.queue = append(e.queue, t)

	signal(e.wake)

	return t.handle, nil
}

func (e *Engine) validate(kind Kind, flags uint16, offset uint64, length uint32, payload []byte) error {
	if flags&^protocol.TRANSMISSION_COMMAND_FLAG_FUA != 0 {
		return fmt.Errorf("%w: command flags %#x", ErrNotSupported, flags)
	}

	fua := flags&protocol.TRANSMISSION_COMMAND_FLAG_FUA != 0
	if fua && !e.export.SendFUA() {
		return fmt.Errorf("%w: forced unit access", ErrNotSupported)
	}

	switch kind {
	case KindRead:
		if fua {
			return fmt.Errorf("%w: forced unit access on %v", ErrNotSupported, kind)
		}

		return e.checkRange(offset, length, true)
	case KindWrite:
		if e.export.ReadOnly() {
			return ErrNotWritable
		}

		if uint64(len(payload)) != uint64(length) {
			return fmt.Errorf("%w: payload is %v bytes, expected %v", ErrInvalidLength, len(payload), length)
		}

		return e.checkRange(offset, length, true)
	case KindTrim:
		if e.export.ReadOnly() {
			return ErrNotWritable
		}

		if !e.export.SendTrim() {
			return fmt.Errorf("%w: trim", ErrNotSupported)
		}

		return e.checkRange(offset, length, false)
	case KindFlush:
		if !e.export.SendFlush() {
			return fmt.Errorf("%w: flush", ErrNotWritable)
		}

		fallthrough
	case KindDisconnect:
		if fua {
			return fmt.Errorf("%w: forced unit access on %v", ErrNotSupported, kind)
		}

		if offset != 0 || length != 0 {
			return fmt.Errorf("%w: %v takes no range", ErrInvalidLength, kind)
		}

		return nil
	default:
		return fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
}

func (e *Engine) checkRange(offset uint64, length uint32, transfer bool) error {
	if length == 0 {
		return fmt.Errorf("%w: zero length", ErrInvalidLength)
	}

	if transfer && length > e.maxTransferSize {
		return fmt.Errorf("%w: %v bytes exceeds maximum transfer size of %v bytes", ErrInvalidLength, length, e.maxTransferSize)
	}

	if offset > math.MaxUint64-uint64(length) || offset+uint64(length) > e.export.Size {
		return fmt.Errorf("%w: range %v+%v exceeds export size %v", ErrInvalidLength, offset, length, e.export.Size)
	}

	return nil
}

// allocateHandle must be called with the lock held.
func (e *Engine) allocateHandle() uint64 {
	for {
		handle := e.nextHandle

		e.nextHandle++
		if e.nextHandle == 0 {
			e.nextHandle = 1
		}

		if _, ok := e.pending[handle]; !ok {
			return handle
		}
	}
}

// PollCompletions returns and forgets all transactions completed since the
// last call.
func (e *Engine) PollCompletions() []Completion {
	e.lock.Lock()
	defer e.lock.Unlock()

	completed := e.completed
	e.completed = nil

	return completed
}

// Ready receives a value whenever completions become available.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Done is closed once the session is gone.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns why the session ended, or nil while it is alive.
func (e *Engine) Err() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.err
}

func (e *Engine) Outstanding() int {
	e.lock.Lock()
	defer e.lock.Unlock()

	return len(e.pending)
}

// Seal stops accepting submissions. It fails with ErrBusy and leaves the
// engine untouched if transactions are still outstanding.
func (e *Engine) Seal() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if n := len(e.pending); n > 0 {
		return fmt.Errorf("%w: %v transactions", ErrBusy, n)
	}

	e.sealed = true

	return nil
}

// Close sends a disconnect after everything already queued and waits for the
// workers to exit. If ctx expires first the session is torn down forcibly.
func (e *Engine) Close(ctx context.Context) error {
	e.lock.Lock()
	if !e.closed && !e.queuedDisconnect() {
		t := &transaction{
			handle: e.allocateHandle(),
			kind:   KindDisconnect,
		}

		e.pending[t.handle] = t
		e.queue = append(e.queue, t)

		signal(e.wake)
	}
	e.sealed = true
	e.lock.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		e.abort(ctx.Err())
	}

	e.wg.Wait()

	return nil
}

// queuedDisconnect must be called with the lock held.
func (e *Engine) queuedDisconnect() bool {
	for _, t := range e.pending {
		if t.kind == KindDisconnect {
			return true
		}
	}

	return false
}

func (e *Engine) dequeue() (*transaction, bool) {
	for {
		e.lock.Lock()
		if e.closed {
			e.lock.Unlock()

			return nil, false
		}

		if len(e.queue) > 0 {
			t := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]

			t.sent = true

			e.lock.Unlock()

			return t, true
		}
		e.lock.Unlock()

		select {
		case <-e.wake:
		case <-e.done:
		}
	}
}

func (e *Engine) transmit() {
	defer e.wg.Done()

	for {
		t, ok := e.dequeue()
		if !ok {
			return
		}

		b, err := protocol.EncodeRequest(t.header(), t.payload)
		if err != nil {
			e.abort(fmt.Errorf("could not encode %v request: %w", t.kind, err))

			return
		}

		if err := e.session.SendExact(b); err != nil {
			e.abort(fmt.Errorf("could not send %v request: %w", t.kind, err))

			return
		}

		if t.kind == KindDisconnect {
			// The server sends no reply to a disconnect
			e.lock.Lock()
			delete(e.pending, t.handle)
			e.completed = append(e.completed, t.complete(nil, nil))
			e.lock.Unlock()

			e.abort(ErrDisconnected)

			return
		}
	}
}

func (e *Engine) receive() {
	defer e.wg.Done()

	for {
		b, err := e.session.RecvExact(protocol.REPLY_HEADER_SIZE)
		if err != nil {
			e.abort(fmt.Errorf("could not receive reply header: %w", err))

			return
		}

		header, err := protocol.DecodeReplyHeader(b)
		if err != nil {
			e.abort(err)

			return
		}

		e.lock.Lock()
		t, ok := e.pending[header.Handle]
		ok = ok && t.sent && t.kind != KindDisconnect
		e.lock.Unlock()

		if !ok {
			e.abort(fmt.Errorf("%w: reply for unknown handle %v", ErrProtocolViolation, header.Handle))

			return
		}

		var (
			payload []byte
			result  error
		)
		if header.Error != 0 {
			result = protocol.Errno(header.Error)
		} else if t.kind == KindRead {
			payload, err = e.session.RecvExact(int(t.length))
			if err != nil {
				e.abort(fmt.Errorf("could not receive read payload: %w", err))

				return
			}
		}

		e.lock.Lock()
		if e.closed {
			e.lock.Unlock()

			return
		}

		delete(e.pending, t.handle)
		e.completed = append(e.completed, t.complete(result, payload))
		e.lock.Unlock()

		signal(e.ready)
	}
}

// abort fails every pending transaction with ErrTransportLost exactly once
// and releases the session.
func (e *Engine) abort(cause error) {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()

		return
	}

	e.closed = true
	e.err = cause

	handles := make([]uint64, 0, len(e.pending))
	for handle := range e.pending {
		handles = append(handles, handle)
	}
	sort.Slice(handles, func(i, j int) bool {
		return handles[i] < handles[j]
	})

	for _, handle := range handles {
		e.completed = append(e.completed, e.pending[handle].complete(fmt.Errorf("%w: %v", ErrTransportLost, cause), nil))
	}

	clear(e.pending)
	e.queue = nil

	close(e.done)
	e.lock.Unlock()

	if errors.Is(cause, ErrDisconnected) {
		e.log.Debug("Disconnected")
	} else {
		e.log.WithError(cause).WithField("failed", len(handles)).Warn("Session lost")
	}

	if err := e.session.Close(); err != nil {
		e.log.WithError(err).Debug("Could not close session")
	}

	signal(e.ready)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
