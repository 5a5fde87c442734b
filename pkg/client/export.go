package client

import (
	"github.com/pojntfx/nbdadm/pkg/protocol"
)

type TransferMode int

const (
	TransferModeNewstyle TransferMode = iota
	TransferModeFixedNewstyle
)

func (m TransferMode) String() string {
	switch m {
	case TransferModeFixedNewstyle:
		return "fixed newstyle"
	default:
		return "newstyle"
	}
}

// ExportDescriptor describes an export after successful negotiation. It is
// immutable once negotiated.
type ExportDescriptor struct {
	Name              string
	Size              uint64
	TransmissionFlags uint16
	Mode              TransferMode
	NoZeroes          bool
}

func (d ExportDescriptor) flag(f uint16) bool {
	// All other flags are meaningless if HAS_FLAGS isn't set
	return d.TransmissionFlags&protocol.TRANSMISSION_FLAG_HAS_FLAGS != 0 && d.TransmissionFlags&f != 0
}

func (d ExportDescriptor) ReadOnly() bool {
	return d.flag(protocol.TRANSMISSION_FLAG_READ_ONLY)
}

func (d ExportDescriptor) SendFlush() bool {
	return d.flag(protocol.TRANSMISSION_FLAG_SEND_FLUSH)
}

func (d ExportDescriptor) SendFUA() bool {
	return d.flag(protocol.TRANSMISSION_FLAG_SEND_FUA)
}

func (d ExportDescriptor) Rotational() bool {
	return d.flag(protocol.TRANSMISSION_FLAG_ROTATIONAL)
}

func (d ExportDescriptor) SendTrim() bool {
	return d.flag(protocol.TRANSMISSION_FLAG_SEND_TRIM)
}
