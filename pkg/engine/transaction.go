package engine

import (
	"fmt"

	"github.com/pojntfx/nbdadm/pkg/protocol"
)

// Kind is the operation of a transaction; the values are the wire command
// types.
type Kind uint16

const (
	KindRead       = Kind(protocol.TRANSMISSION_TYPE_REQUEST_READ)
	KindWrite      = Kind(protocol.TRANSMISSION_TYPE_REQUEST_WRITE)
	KindDisconnect = Kind(protocol.TRANSMISSION_TYPE_REQUEST_DISC)
	KindFlush      = Kind(protocol.TRANSMISSION_TYPE_REQUEST_FLUSH)
	KindTrim       = Kind(protocol.TRANSMISSION_TYPE_REQUEST_TRIM)
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindDisconnect:
		return "disconnect"
	case KindFlush:
		return "flush"
	case KindTrim:
		return "trim"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Completion is a finished transaction as returned by PollCompletions.
type Completion struct {
	Handle uint64
	Kind   Kind
	Offset uint64
	Length uint32

	// Data read from the export; only set for successful reads
	Payload []byte

	// nil, a protocol.Errno reported by the server, or ErrTransportLost
	Err error
}

func (c Completion) OK() bool {
	return c.Err == nil
}

// transaction is a pending transaction, from submission until its reply has
// been matched or the session has been aborted.
type transaction struct {
	handle uint64
	kind   Kind
	flags  uint16
	offset uint64
	length uint32

	// Held until the write has been acknowledged
	payload []byte

	// Set once the transmitter has taken the transaction off the queue
	sent bool
}

func (t *transaction) header() protocol.TransmissionRequestHeader {
	return protocol.TransmissionRequestHeader{
		CommandFlags: t.flags,
		Type:         uint16(t.kind),
		Handle:       t.handle,
		Offset:       t.offset,
		Length:       t.length,
	}
}

func (t *transaction) complete(err error, payload []byte) Completion {
	return Completion{
		Handle:  t.handle,
		Kind:    t.kind,
		Offset:  t.offset,
		Length:  t.length,
		Payload: payload,
		Err:     err,
	}
}
