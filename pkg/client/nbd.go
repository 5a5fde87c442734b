package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/pojntfx/nbdadm/pkg/protocol"
	"github.com/pojntfx/nbdadm/pkg/transport"
)

const (
	defaultExportName = "default"

	maximumOptionReplyLength = 64 * 1024
)

var (
	ErrNegotiationRejected = errors.New("negotiation rejected")
	ErrUnexpectedReply     = errors.New("unexpected reply")
)

// Conn is the part of a transport session the handshake needs.
type Conn interface {
	SendExact(b []byte) error
	RecvExact(n int) ([]byte, error)
	SetDeadline(t time.Time) error
}

type Options struct {
	ExportName string

	// Bounds the whole handshake; zero disables the timeout
	Timeout time.Duration

	Dial *transport.DialOptions
}

type State int

const (
	StateConnecting State = iota
	StateAwaitGreeting
	StateNegotiatingOptions
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitGreeting:
		return "await-greeting"
	case StateNegotiatingOptions:
		return "negotiating-options"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Negotiator drives the one-time handshake of a fresh session. It never
// retries; Ready and Failed are terminal.
type Negotiator struct {
	options *Options

	state State
	err   error
}

func NewNegotiator(options *Options) *Negotiator {
	if options == nil {
		options = &Options{}
	}

	if options.ExportName == "" {
		options.ExportName = defaultExportName
	}

	return &Negotiator{
		options: options,
		state:   StateConnecting,
	}
}

func (n *Negotiator) State() State {
	return n.state
}

// Err returns the error that moved the negotiator to StateFailed.
func (n *Negotiator) Err() error {
	return n.err
}

func (n *Negotiator) transition(ctx context.Context, state State) {
	log.G(ctx).WithFields(log.Fields{
		"from": n.state.String(),
		"to":   state.String(),
	}).Debug("Negotiation state changed")

	n.state = state
}

func (n *Negotiator) fail(ctx context.Context, err error) error {
	n.transition(ctx, StateFailed)

	n.err = err

	return err
}

// Connect dials address and negotiates on the new session. On failure the
// session is closed and nil is returned.
func (n *Negotiator) Connect(ctx context.Context, address string) (*transport.Session, ExportDescriptor, error) {
	session, err := transport.Dial(ctx, address, n.options.Dial)
	if err != nil {
		return nil, ExportDescriptor{}, n.fail(ctx, err)
	}

	export, err := n.Negotiate(ctx, session)
	if err != nil {
		_ = session.Close()

		return nil, ExportDescriptor{}, err
	}

	return session, export, nil
}

// withDeadline applies the context's deadline and cancellation to conn until
// the returned function is called.
func withDeadline(ctx context.Context, conn Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() {
		// Unblock pending reads and writes
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	return func() {
		stop()

		_ = conn.SetDeadline(time.Time{})
	}
}

// Negotiate runs the handshake on an already connected session and returns
// the negotiated export.
func (n *Negotiator) Negotiate(ctx context.Context, conn Conn) (ExportDescriptor, error) {
	if n.state != StateConnecting {
		return ExportDescriptor{}, fmt.Errorf("negotiator is in state %v", n.state)
	}

	if n.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.options.Timeout)
		defer cancel()
	}

	defer withDeadline(ctx, conn)()

	n.transition(ctx, StateAwaitGreeting)

	greeting, clientFlags, err := negotiateNewstyle(conn)
	if err != nil {
		return ExportDescriptor{}, n.fail(ctx, err)
	}

	n.transition(ctx, StateNegotiatingOptions)

	if err := conn.SendExact(protocol.EncodeOptionRequest(protocol.NEGOTIATION_ID_OPTION_EXPORT_NAME, []byte(n.options.ExportName))); err != nil {
		return ExportDescriptor{}, n.fail(ctx, err)
	}

	noZeroes := clientFlags&protocol.NEGOTIATION_CLIENT_FLAG_NO_ZEROES != 0

	reply, err := readExportNameReply(conn, noZeroes)
	if err != nil {
		return ExportDescriptor{}, n.fail(ctx, err)
	}

	mode := TransferModeNewstyle
	if greeting.FixedNewstyle() {
		mode = TransferModeFixedNewstyle
	}

	export := ExportDescriptor{
		Name:              n.options.ExportName,
		Size:              reply.Size,
		TransmissionFlags: reply.TransmissionFlags,
		Mode:              mode,
		NoZeroes:          noZeroes,
	}

	n.transition(ctx, StateReady)

	log.G(ctx).WithFields(log.Fields{
		"export": export.Name,
		"size":   export.Size,
		"flags":  fmt.Sprintf("0x%04x", export.TransmissionFlags),
		"mode":   export.Mode.String(),
	}).Debug("Negotiated export")

	return export, nil
}

// negotiateNewstyle validates the server greeting and answers with the client
// flags the server supports.
func negotiateNewstyle(conn Conn) (protocol.Greeting, uint32, error) {
	b, err := conn.RecvExact(protocol.GREETING_SIZE)
	if err != nil {
		return protocol.Greeting{}, 0, fmt.Errorf("could not receive server greeting: %w", err)
	}

	greeting, err := protocol.DecodeServerGreeting(b)
	if err != nil {
		return protocol.Greeting{}, 0, err
	}

	clientFlags := uint32(0)
	if greeting.FixedNewstyle() {
		clientFlags |= protocol.NEGOTIATION_CLIENT_FLAG_FIXED_NEWSTYLE
	}

	if greeting.NoZeroes() {
		clientFlags |= protocol.NEGOTIATION_CLIENT_FLAG_NO_ZEROES
	}

	if err := conn.SendExact(protocol.EncodeClientFlags(clientFlags)); err != nil {
		return protocol.Greeting{}, 0, err
	}

	return greeting, clientFlags, nil
}

// readOptionReply reads one option reply whose first 8 bytes (the magic) have
// possibly already been received.
func readOptionReply(conn Conn, prefix []byte) (protocol.OptionReply, error) {
	rest, err := conn.RecvExact(protocol.OPTION_REPLY_HEADER_SIZE - len(prefix))
	if err != nil {
		return protocol.OptionReply{}, err
	}

	header, err := protocol.DecodeOptionReplyHeader(append(prefix, rest...))
	if err != nil {
		return protocol.OptionReply{}, err
	}

	if header.Length > maximumOptionReplyLength {
		return protocol.OptionReply{}, fmt.Errorf("%w: option reply of %v bytes is too large", ErrUnexpectedReply, header.Length)
	}

	payload, err := conn.RecvExact(int(header.Length))
	if err != nil {
		return protocol.OptionReply{}, err
	}

	return protocol.OptionReply{
		ID:      header.ID,
		Type:    header.Type,
		Payload: payload,
	}, nil
}

// A server that refuses the export either closes the connection or, if it
// deviates from the protocol, sends an option reply instead of the export
// information. The reply magic is used to tell the two apart.
func readExportNameReply(conn Conn, noZeroes bool) (protocol.NegotiationExportNameReply, error) {
	head, err := conn.RecvExact(8)
	if err != nil {
		return protocol.NegotiationExportNameReply{}, fmt.Errorf("%w: server closed the connection: %w", ErrNegotiationRejected, err)
	}

	// An export of exactly NEGOTIATION_MAGIC_REPLY bytes is taken for a reply
	if binary.BigEndian.Uint64(head) == protocol.NEGOTIATION_MAGIC_REPLY {
		reply, err := readOptionReply(conn, head)
		if err != nil {
			return protocol.NegotiationExportNameReply{}, fmt.Errorf("%w: %w", ErrNegotiationRejected, err)
		}

		return protocol.NegotiationExportNameReply{}, fmt.Errorf("%w: server replied %v to export name option", ErrNegotiationRejected, protocol.ReplyTypeName(reply.Type))
	}

	length := protocol.EXPORT_NAME_REPLY_SIZE - len(head)
	if !noZeroes {
		length += protocol.EXPORT_NAME_RESERVED
	}

	rest, err := conn.RecvExact(length)
	if err != nil {
		return protocol.NegotiationExportNameReply{}, fmt.Errorf("%w: incomplete export information: %w", ErrNegotiationRejected, err)
	}

	reply, err := protocol.DecodeExportNameReply(append(head, rest...))
	if err != nil {
		return protocol.NegotiationExportNameReply{}, fmt.Errorf("%w: %w", ErrNegotiationRejected, err)
	}

	return reply, nil
}

// Negotiate is a shorthand for NewNegotiator(options).Negotiate(ctx, conn).
func Negotiate(ctx context.Context, conn Conn, options *Options) (ExportDescriptor, error) {
	return NewNegotiator(options).Negotiate(ctx, conn)
}

// Connect is a shorthand for NewNegotiator(options).Connect(ctx, address).
func Connect(ctx context.Context, address string, options *Options) (*transport.Session, ExportDescriptor, error) {
	return NewNegotiator(options).Connect(ctx, address)
}
