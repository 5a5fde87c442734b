package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/containerd/log"
)

const (
	defaultDialTimeout = 10 * time.Second
)

var (
	errNoAddresses = errors.New("no addresses found")
)

type DialOptions struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	Resolver  *net.Resolver
}

// Session owns one connected stream socket to a server.
type Session struct {
	conn net.Conn

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func NewSession(conn net.Conn) *Session {
	return &Session{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// Dial connects to address, trying every resolved address in order until one
// of them accepts the connection.
func Dial(ctx context.Context, address string, options *DialOptions) (*Session, error) {
	if options == nil {
		options = &DialOptions{}
	}

	if options.Timeout <= 0 {
		options.Timeout = defaultDialTimeout
	}

	if options.Resolver == nil {
		options.Resolver = net.DefaultResolver
	}

	addr, err := ParseAddress(address)
	if err != nil {
		return nil, &ConnectError{Kind: ConnectErrorInvalidAddress, Address: address, Err: err}
	}

	candidates := []Address{addr}
	if addr.Network == "tcp" {
		ips, err := options.Resolver.LookupIPAddr(ctx, addr.Host)
		if err != nil {
			return nil, &ConnectError{Kind: classify(err), Address: address, Err: err}
		}

		candidates = candidates[:0]
		for _, ip := range ips {
			network := "tcp6"
			if ip.IP.To4() != nil {
				network = "tcp4"
			}

			candidates = append(candidates, Address{Network: network, Host: ip.String(), Port: addr.Port})
		}
	}

	dialer := net.Dialer{
		Timeout:   options.Timeout,
		KeepAlive: options.KeepAlive,
	}

	var lastErr error
	for _, candidate := range candidates {
		dialAddress := candidate.String()
		if candidate.Network == "unix" {
			dialAddress = candidate.Host
		}

		conn, err := dialer.DialContext(ctx, candidate.Network, dialAddress)
		if err != nil {
			log.G(ctx).WithError(err).WithField("remote", candidate.String()).Debug("Could not connect, trying next address")

			lastErr = err

			continue
		}

		log.G(ctx).WithField("remote", conn.RemoteAddr().String()).Debug("Connected")

		return NewSession(conn), nil
	}

	if lastErr == nil {
		return nil, &ConnectError{Kind: ConnectErrorUnresolvable, Address: address, Err: errNoAddresses}
	}

	return nil, &ConnectError{Kind: classify(lastErr), Address: address, Err: lastErr}
}

// SendExact writes all of b or fails.
func (s *Session) SendExact(b []byte) error {
	if s.Closed() {
		return &IoError{Op: "send", Err: ErrSessionClosed}
	}

	for len(b) > 0 {
		n, err := s.conn.Write(b)
		if err != nil {
			return s.fail("send", err)
		}

		if n == 0 {
			return s.fail("send", io.ErrShortWrite)
		}

		b = b[n:]
	}

	return nil
}

// RecvExact reads exactly n bytes or fails; it never returns a short buffer.
func (s *Session) RecvExact(n int) ([]byte, error) {
	if s.Closed() {
		return nil, &IoError{Op: "recv", Err: ErrSessionClosed}
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(s.conn, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return nil, s.fail("recv", err)
	}

	return b, nil
}

func (s *Session) fail(op string, err error) error {
	if s.Closed() {
		err = errors.Join(ErrSessionClosed, err)
	}

	_ = s.Close()

	return &IoError{Op: op, Err: err}
}

// Close releases the socket. It is safe to call Close more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.closeErr = s.conn.Close()
	})

	return s.closeErr
}

func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
