package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Greeting is the decoded newstyle server greeting.
type Greeting struct {
	HandshakeFlags uint16
}

func (g Greeting) FixedNewstyle() bool {
	return g.HandshakeFlags&NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE != 0
}

func (g Greeting) NoZeroes() bool {
	return g.HandshakeFlags&NEGOTIATION_HANDSHAKE_FLAG_NO_ZEROES != 0
}

// OptionReply is one decoded option haggling reply, including its data.
type OptionReply struct {
	ID      uint32
	Type    uint32
	Payload []byte
}

func checkSize(b []byte, size int, what string) error {
	if len(b) < size {
		return formatErrorf(ErrShortBuffer, "%v: got %v bytes, want %v", what, len(b), size)
	}

	if len(b) > size {
		return formatErrorf(ErrTrailingBytes, "%v: got %v bytes, want %v", what, len(b), size)
	}

	return nil
}

func encode(size int, data any, payload []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, size+len(payload)))

	// Writing a fixed-size struct to a bytes.Buffer can't fail
	_ = binary.Write(buf, binary.BigEndian, data)

	buf.Write(payload)

	return buf.Bytes()
}

func decode(b []byte, data any, what string) error {
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, data); err != nil {
		return formatErrorf(err, "%v", what)
	}

	return nil
}

// EncodeServerGreeting encodes a newstyle server greeting.
func EncodeServerGreeting(handshakeFlags uint16) []byte {
	return encode(GREETING_SIZE, NegotiationNewstyleHeader{
		OldstyleMagic:  NEGOTIATION_MAGIC_OLDSTYLE,
		OptionMagic:    NEGOTIATION_MAGIC_OPTION,
		HandshakeFlags: handshakeFlags,
	}, nil)
}

// DecodeServerGreeting validates the signature and magic of a newstyle
// server greeting. Any mismatch is reported as ErrProtocolMismatch.
func DecodeServerGreeting(b []byte) (Greeting, error) {
	if err := checkSize(b, GREETING_SIZE, "server greeting"); err != nil {
		return Greeting{}, err
	}

	var header NegotiationNewstyleHeader
	if err := decode(b, &header, "server greeting"); err != nil {
		return Greeting{}, err
	}

	if header.OldstyleMagic != NEGOTIATION_MAGIC_OLDSTYLE {
		return Greeting{}, fmt.Errorf("%w: bad signature 0x%x: %w", ErrProtocolMismatch, header.OldstyleMagic, ErrInvalidMagic)
	}

	if header.OptionMagic == NEGOTIATION_MAGIC_CLISERV {
		return Greeting{}, fmt.Errorf("%w: %w", ErrProtocolMismatch, ErrUnsupportedStyle)
	}

	if header.OptionMagic != NEGOTIATION_MAGIC_OPTION {
		return Greeting{}, fmt.Errorf("%w: bad newstyle magic 0x%x: %w", ErrProtocolMismatch, header.OptionMagic, ErrInvalidMagic)
	}

	return Greeting{
		HandshakeFlags: header.HandshakeFlags,
	}, nil
}

func EncodeClientFlags(flags uint32) []byte {
	return encode(CLIENT_FLAGS_SIZE, NegotiationClientFlags{
		ClientFlags: flags,
	}, nil)
}

func DecodeClientFlags(b []byte) (uint32, error) {
	if err := checkSize(b, CLIENT_FLAGS_SIZE, "client flags"); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(b), nil
}

// EncodeOptionRequest encodes an option header followed by its data.
func EncodeOptionRequest(option uint32, payload []byte) []byte {
	return encode(OPTION_HEADER_SIZE, NegotiationOptionHeader{
		OptionMagic: NEGOTIATION_MAGIC_OPTION,
		ID:          option,
		Length:      uint32(len(payload)),
	}, payload)
}

func DecodeOptionRequestHeader(b []byte) (NegotiationOptionHeader, error) {
	if err := checkSize(b, OPTION_HEADER_SIZE, "option header"); err != nil {
		return NegotiationOptionHeader{}, err
	}

	var header NegotiationOptionHeader
	if err := decode(b, &header, "option header"); err != nil {
		return NegotiationOptionHeader{}, err
	}

	if header.OptionMagic != NEGOTIATION_MAGIC_OPTION {
		return NegotiationOptionHeader{}, formatErrorf(ErrInvalidMagic, "option header: magic 0x%x", header.OptionMagic)
	}

	return header, nil
}

func EncodeOptionReply(option uint32, typ uint32, payload []byte) []byte {
	return encode(OPTION_REPLY_HEADER_SIZE, NegotiationReplyHeader{
		ReplyMagic: NEGOTIATION_MAGIC_REPLY,
		ID:         option,
		Type:       typ,
		Length:     uint32(len(payload)),
	}, payload)
}

// DecodeOptionReplyHeader decodes the fixed part of an option reply; the
// caller reads Length more bytes of data.
func DecodeOptionReplyHeader(b []byte) (NegotiationReplyHeader, error) {
	if err := checkSize(b, OPTION_REPLY_HEADER_SIZE, "option reply header"); err != nil {
		return NegotiationReplyHeader{}, err
	}

	var header NegotiationReplyHeader
	if err := decode(b, &header, "option reply header"); err != nil {
		return NegotiationReplyHeader{}, err
	}

	if header.ReplyMagic != NEGOTIATION_MAGIC_REPLY {
		return NegotiationReplyHeader{}, formatErrorf(ErrInvalidMagic, "option reply header: magic 0x%x", header.ReplyMagic)
	}

	return header, nil
}

// DecodeOptionReply decodes a complete option reply (header and data).
func DecodeOptionReply(b []byte) (OptionReply, error) {
	if len(b) < OPTION_REPLY_HEADER_SIZE {
		return OptionReply{}, formatErrorf(ErrShortBuffer, "option reply: got %v bytes, want at least %v", len(b), OPTION_REPLY_HEADER_SIZE)
	}

	header, err := DecodeOptionReplyHeader(b[:OPTION_REPLY_HEADER_SIZE])
	if err != nil {
		return OptionReply{}, err
	}

	if err := checkSize(b[OPTION_REPLY_HEADER_SIZE:], int(header.Length), "option reply data"); err != nil {
		return OptionReply{}, err
	}

	return OptionReply{
		ID:      header.ID,
		Type:    header.Type,
		Payload: b[OPTION_REPLY_HEADER_SIZE:],
	}, nil
}

// EncodeServerReplyPayload encodes the data of an NBD_REP_SERVER reply.
func EncodeServerReplyPayload(exportName string) []byte {
	return encode(4, uint32(len(exportName)), []byte(exportName))
}

// DecodeServerReplyPayload returns the export name carried by an
// NBD_REP_SERVER reply; any trailing description is discarded.
func DecodeServerReplyPayload(b []byte) (string, error) {
	if len(b) < 4 {
		return "", formatErrorf(ErrShortBuffer, "server reply: got %v bytes, want at least 4", len(b))
	}

	length := binary.BigEndian.Uint32(b)
	if uint64(length) > uint64(len(b)-4) {
		return "", formatErrorf(ErrShortBuffer, "server reply: name length %v exceeds %v bytes", length, len(b)-4)
	}

	return string(b[4 : 4+length]), nil
}

func EncodeExportNameReply(size uint64, transmissionFlags uint16, noZeroes bool) []byte {
	var reserved []byte
	if !noZeroes {
		reserved = make([]byte, EXPORT_NAME_RESERVED)
	}

	return encode(EXPORT_NAME_REPLY_SIZE, NegotiationExportNameReply{
		Size:              size,
		TransmissionFlags: transmissionFlags,
	}, reserved)
}

// DecodeExportNameReply accepts the reply with or without the reserved zeroes.
func DecodeExportNameReply(b []byte) (NegotiationExportNameReply, error) {
	if len(b) != EXPORT_NAME_REPLY_SIZE && len(b) != EXPORT_NAME_REPLY_SIZE+EXPORT_NAME_RESERVED {
		return NegotiationExportNameReply{}, formatErrorf(ErrShortBuffer, "export name reply: got %v bytes", len(b))
	}

	var reply NegotiationExportNameReply
	if err := decode(b[:EXPORT_NAME_REPLY_SIZE], &reply, "export name reply"); err != nil {
		return NegotiationExportNameReply{}, err
	}

	return reply, nil
}

// EncodeRequest encodes a request header, followed by the payload for writes.
func EncodeRequest(header TransmissionRequestHeader, payload []byte) ([]byte, error) {
	header.RequestMagic = TRANSMISSION_MAGIC_REQUEST

	if header.Type == TRANSMISSION_TYPE_REQUEST_WRITE {
		if uint64(len(payload)) != uint64(header.Length) {
			return nil, fmt.Errorf("%w: write of %v bytes carries %v bytes of data", ErrUnexpectedPayload, header.Length, len(payload))
		}
	} else if len(payload) > 0 {
		return nil, fmt.Errorf("%w: command %v carries %v bytes of data", ErrUnexpectedPayload, header.Type, len(payload))
	}

	return encode(REQUEST_HEADER_SIZE, header, payload), nil
}

func DecodeRequestHeader(b []byte) (TransmissionRequestHeader, error) {
	if err := checkSize(b, REQUEST_HEADER_SIZE, "request header"); err != nil {
		return TransmissionRequestHeader{}, err
	}

	var header TransmissionRequestHeader
	if err := decode(b, &header, "request header"); err != nil {
		return TransmissionRequestHeader{}, err
	}

	if header.RequestMagic != TRANSMISSION_MAGIC_REQUEST {
		return TransmissionRequestHeader{}, formatErrorf(ErrInvalidMagic, "request header: magic 0x%x", header.RequestMagic)
	}

	return header, nil
}

// DecodeRequest decodes a complete request as produced by EncodeRequest.
func DecodeRequest(b []byte) (TransmissionRequestHeader, []byte, error) {
	if len(b) < REQUEST_HEADER_SIZE {
		return TransmissionRequestHeader{}, nil, formatErrorf(ErrShortBuffer, "request: got %v bytes, want at least %v", len(b), REQUEST_HEADER_SIZE)
	}

	header, err := DecodeRequestHeader(b[:REQUEST_HEADER_SIZE])
	if err != nil {
		return TransmissionRequestHeader{}, nil, err
	}

	payloadLength := 0
	if header.Type == TRANSMISSION_TYPE_REQUEST_WRITE {
		payloadLength = int(header.Length)
	}

	if err := checkSize(b[REQUEST_HEADER_SIZE:], payloadLength, "request data"); err != nil {
		return TransmissionRequestHeader{}, nil, err
	}

	if payloadLength == 0 {
		return header, nil, nil
	}

	return header, b[REQUEST_HEADER_SIZE:], nil
}

// EncodeReply encodes a reply header, followed by the payload for reads.
func EncodeReply(header TransmissionReplyHeader, payload []byte) []byte {
	header.ReplyMagic = TRANSMISSION_MAGIC_REPLY

	return encode(REPLY_HEADER_SIZE, header, payload)
}

// DecodeReplyHeader decodes a reply header. The length of any payload that
// follows is only known from the originating request.
func DecodeReplyHeader(b []byte) (TransmissionReplyHeader, error) {
	if err := checkSize(b, REPLY_HEADER_SIZE, "reply header"); err != nil {
		return TransmissionReplyHeader{}, err
	}

	var header TransmissionReplyHeader
	if err := decode(b, &header, "reply header"); err != nil {
		return TransmissionReplyHeader{}, err
	}

	if header.ReplyMagic != TRANSMISSION_MAGIC_REPLY {
		return TransmissionReplyHeader{}, formatErrorf(ErrInvalidMagic, "reply header: magic 0x%x", header.ReplyMagic)
	}

	return header, nil
}
