package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMagic      = errors.New("invalid magic")
	ErrProtocolMismatch  = errors.New("protocol mismatch")
	ErrUnsupportedStyle  = errors.New("oldstyle negotiation is not supported")
	ErrShortBuffer       = errors.New("short buffer")
	ErrTrailingBytes     = errors.New("trailing bytes")
	ErrUnexpectedPayload = errors.New("unexpected payload")
)

// FormatError is returned for wire bytes that don't match the expected layout.
type FormatError struct {
	Message string
	Err     error
}

func (e *FormatError) Error() string {
	if e.Err == nil {
		return "malformed " + e.Message
	}

	return fmt.Sprintf("malformed %v: %v", e.Message, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatErrorf(err error, format string, args ...any) error {
	return &FormatError{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Errno is an error code reported by the server in a transmission reply.
type Errno uint32

// See https://manpages.debian.org/stretch/manpages-dev/errno.3.en.html for a
// description of error numbers.
const (
	EPERM     Errno = 1
	EIO       Errno = 5
	ENOMEM    Errno = 12
	EINVAL    Errno = 22
	ENOSPC    Errno = 28
	EOVERFLOW Errno = 75
	ENOTSUP   Errno = 95
	ESHUTDOWN Errno = 108
)

var errStr = map[Errno]string{
	EPERM:     "operation not permitted",
	EIO:       "input/output error",
	ENOMEM:    "cannot allocate memory",
	EINVAL:    "invalid argument",
	ENOSPC:    "no space left on device",
	EOVERFLOW: "value too large for defined data type",
	ENOTSUP:   "operation not supported",
	ESHUTDOWN: "cannot send after transport endpoint shutdown",
}

func (e Errno) Error() string {
	if msg, ok := errStr[e]; ok {
		return msg
	}

	return fmt.Sprintf("nbd error %d", uint32(e))
}
