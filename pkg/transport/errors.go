package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	ErrSessionClosed = errors.New("session closed")
)

type ConnectErrorKind int

const (
	ConnectErrorUnknown ConnectErrorKind = iota
	ConnectErrorRefused
	ConnectErrorTimeout
	ConnectErrorUnreachable
	ConnectErrorUnsupportedFamily
	ConnectErrorUnresolvable
	ConnectErrorInvalidAddress
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectErrorRefused:
		return "refused"
	case ConnectErrorTimeout:
		return "timeout"
	case ConnectErrorUnreachable:
		return "unreachable"
	case ConnectErrorUnsupportedFamily:
		return "address family unsupported"
	case ConnectErrorUnresolvable:
		return "unresolvable"
	case ConnectErrorInvalidAddress:
		return "invalid address"
	default:
		return "unknown"
	}
}

// ConnectError is returned by Dial if no session could be established.
type ConnectError struct {
	Kind    ConnectErrorKind
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("could not connect to %v (%v): %v", e.Address, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IoError is returned by SendExact and RecvExact. It is fatal for the session.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%v failed: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

func classify(err error) ConnectErrorKind {
	var (
		dnsErr *net.DNSError
		netErr net.Error
	)

	switch {
	case errors.Is(err, ErrInvalidAddress):
		return ConnectErrorInvalidAddress
	case errors.As(err, &dnsErr):
		return ConnectErrorUnresolvable
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnectErrorRefused
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return ConnectErrorUnreachable
	case errors.Is(err, syscall.EAFNOSUPPORT), errors.Is(err, syscall.EPROTONOSUPPORT):
		return ConnectErrorUnsupportedFamily
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return ConnectErrorTimeout
	default:
		return ConnectErrorUnknown
	}
}
