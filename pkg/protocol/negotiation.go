package protocol

// See https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md and https://github.com/abligh/gonbdserver/

import "fmt"

const (
	// ASCII "NBDMAGIC", the signature every server sends first
	NEGOTIATION_MAGIC_OLDSTYLE = uint64(0x4e42444d41474943)
	NEGOTIATION_MAGIC_CLISERV  = uint64(0x00420281861253)
	NEGOTIATION_MAGIC_OPTION   = uint64(0x49484156454F5054)
	NEGOTIATION_MAGIC_REPLY    = uint64(0x3e889045565a9)

	NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE = uint16(1 << 0)
	NEGOTIATION_HANDSHAKE_FLAG_NO_ZEROES      = uint16(1 << 1)

	NEGOTIATION_CLIENT_FLAG_FIXED_NEWSTYLE = uint32(1 << 0)
	NEGOTIATION_CLIENT_FLAG_NO_ZEROES      = uint32(1 << 1)

	NEGOTIATION_ID_OPTION_EXPORT_NAME = uint32(1)
	NEGOTIATION_ID_OPTION_ABORT       = uint32(2)
	NEGOTIATION_ID_OPTION_LIST        = uint32(3)

	NEGOTIATION_TYPE_REPLY_ACK             = uint32(1)
	NEGOTIATION_TYPE_REPLY_SERVER          = uint32(2)
	NEGOTIATION_TYPE_REPLY_ERR             = uint32(1 << 31)
	NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED = uint32(1 | NEGOTIATION_TYPE_REPLY_ERR)
	NEGOTIATION_TYPE_REPLY_ERR_POLICY      = uint32(2 | NEGOTIATION_TYPE_REPLY_ERR)
	NEGOTIATION_TYPE_REPLY_ERR_INVALID     = uint32(3 | NEGOTIATION_TYPE_REPLY_ERR)
	NEGOTIATION_TYPE_REPLY_ERR_PLATFORM    = uint32(4 | NEGOTIATION_TYPE_REPLY_ERR)
	NEGOTIATION_TYPE_REPLY_ERR_TLS_REQD    = uint32(5 | NEGOTIATION_TYPE_REPLY_ERR)
	NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN     = uint32(6 | NEGOTIATION_TYPE_REPLY_ERR)
	NEGOTIATION_TYPE_REPLY_ERR_SHUTDOWN    = uint32(7 | NEGOTIATION_TYPE_REPLY_ERR)
)

type NegotiationNewstyleHeader struct {
	OldstyleMagic  uint64
	OptionMagic    uint64
	HandshakeFlags uint16
}

type NegotiationClientFlags struct {
	ClientFlags uint32
}

type NegotiationOptionHeader struct {
	OptionMagic uint64
	ID          uint32
	Length      uint32
}

type NegotiationReplyHeader struct {
	ReplyMagic uint64
	ID         uint32
	Type       uint32
	Length     uint32
}

// Sent by the server in response to NBD_OPT_EXPORT_NAME, followed by 124
// zero bytes unless NO_ZEROES was negotiated
type NegotiationExportNameReply struct {
	Size              uint64
	TransmissionFlags uint16
}

// IsReplyError reports whether an option reply type has the error bit set.
func IsReplyError(typ uint32) bool {
	return typ&NEGOTIATION_TYPE_REPLY_ERR != 0
}

// ReplyTypeName returns a human readable name for an option reply type.
func ReplyTypeName(typ uint32) string {
	switch typ {
	case NEGOTIATION_TYPE_REPLY_ACK:
		return "ACK"
	case NEGOTIATION_TYPE_REPLY_SERVER:
		return "SERVER"
	case NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED:
		return "ERR_UNSUP"
	case NEGOTIATION_TYPE_REPLY_ERR_POLICY:
		return "ERR_POLICY"
	case NEGOTIATION_TYPE_REPLY_ERR_INVALID:
		return "ERR_INVALID"
	case NEGOTIATION_TYPE_REPLY_ERR_PLATFORM:
		return "ERR_PLATFORM"
	case NEGOTIATION_TYPE_REPLY_ERR_TLS_REQD:
		return "ERR_TLS_REQD"
	case NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN:
		return "ERR_UNKNOWN"
	case NEGOTIATION_TYPE_REPLY_ERR_SHUTDOWN:
		return "ERR_SHUTDOWN"
	default:
		return fmt.Sprintf("0x%x", typ)
	}
}
