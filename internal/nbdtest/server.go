// Package nbdtest provides an in-memory NBD server that speaks the
// export-name handshake and simple replies, for use in tests.
package nbdtest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/pojntfx/nbdadm/pkg/protocol"
	"github.com/stretchr/testify/require"
)

var (
	ErrInvalidMagic = errors.New("invalid magic")
)

type Export struct {
	Backend           *MemoryBackend
	TransmissionFlags uint16
}

type Server struct {
	Exports map[string]*Export

	HandshakeFlags uint16

	// Replaces the greeting, e.g. to send a corrupted signature
	Greeting []byte

	// Reply with NBD_REP_ERR_UNKNOWN instead of closing the connection when
	// an unknown export is requested
	ReplyErrorOnUnknownExport bool

	lock        sync.Mutex
	connections []net.Conn
}

// Start serves s on a loopback listener until the test ends and returns the
// listener's address.
func Start(t testing.TB, s *Server) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = l.Close()

		s.CloseConnections()
	})

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			s.lock.Lock()
			s.connections = append(s.connections, conn)
			s.lock.Unlock()

			go func() {
				defer conn.Close()

				_ = s.Handle(conn)
			}()
		}
	}()

	return l.Addr().String()
}

// CloseConnections hard-closes every connection accepted so far.
func (s *Server) CloseConnections() {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, conn := range s.connections {
		_ = conn.Close()
	}

	s.connections = nil
}

func (s *Server) writeOptionReply(conn net.Conn, id uint32, typ uint32, data []byte) error {
	if err := binary.Write(conn, binary.BigEndian, protocol.NegotiationReplyHeader{
		ReplyMagic: protocol.NEGOTIATION_MAGIC_REPLY,
		ID:         id,
		Type:       typ,
		Length:     uint32(len(data)),
	}); err != nil {
		return err
	}

	_, err := conn.Write(data)

	return err
}

func (s *Server) Handle(conn net.Conn) error {
	greeting := s.Greeting
	if greeting == nil {
		greeting = protocol.EncodeServerGreeting(s.HandshakeFlags)
	}

	// Negotiation
	if _, err := conn.Write(greeting); err != nil {
		return err
	}

	var clientFlags protocol.NegotiationClientFlags
	if err := binary.Read(conn, binary.BigEndian, &clientFlags); err != nil {
		return err
	}

	var export *Export
n:
	for {
		var optionHeader protocol.NegotiationOptionHeader
		if err := binary.Read(conn, binary.BigEndian, &optionHeader); err != nil {
			return err
		}

		if optionHeader.OptionMagic != protocol.NEGOTIATION_MAGIC_OPTION {
			return ErrInvalidMagic
		}

		switch optionHeader.ID {
		case protocol.NEGOTIATION_ID_OPTION_EXPORT_NAME:
			exportName := make([]byte, optionHeader.Length)
			if _, err := io.ReadFull(conn, exportName); err != nil {
				return err
			}

			export = s.Exports[string(exportName)]
			if export == nil {
				if s.ReplyErrorOnUnknownExport {
					return s.writeOptionReply(conn, optionHeader.ID, protocol.NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN, nil)
				}

				return nil
			}

			noZeroes := clientFlags.ClientFlags&protocol.NEGOTIATION_CLIENT_FLAG_NO_ZEROES != 0
			if _, err := conn.Write(protocol.EncodeExportNameReply(uint64(export.Backend.Size()), export.TransmissionFlags, noZeroes)); err != nil {
				return err
			}

			break n
		case protocol.NEGOTIATION_ID_OPTION_ABORT:
			return s.writeOptionReply(conn, optionHeader.ID, protocol.NEGOTIATION_TYPE_REPLY_ACK, nil)
		case protocol.NEGOTIATION_ID_OPTION_LIST:
			if _, err := io.CopyN(io.Discard, conn, int64(optionHeader.Length)); err != nil {
				return err
			}

			for name := range s.Exports {
				if err := s.writeOptionReply(conn, optionHeader.ID, protocol.NEGOTIATION_TYPE_REPLY_SERVER, protocol.EncodeServerReplyPayload(name)); err != nil {
					return err
				}
			}

			if err := s.writeOptionReply(conn, optionHeader.ID, protocol.NEGOTIATION_TYPE_REPLY_ACK, nil); err != nil {
				return err
			}
		default:
			if _, err := io.CopyN(io.Discard, conn, int64(optionHeader.Length)); err != nil { // Discard the unknown option's data
				return err
			}

			if err := s.writeOptionReply(conn, optionHeader.ID, protocol.NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED, nil); err != nil {
				return err
			}
		}
	}

	// Transmission
	readOnly := export.TransmissionFlags&protocol.TRANSMISSION_FLAG_READ_ONLY != 0
	for {
		var requestHeader protocol.TransmissionRequestHeader
		if err := binary.Read(conn, binary.BigEndian, &requestHeader); err != nil {
			return err
		}

		if requestHeader.RequestMagic != protocol.TRANSMISSION_MAGIC_REQUEST {
			return ErrInvalidMagic
		}

		var (
			errno   uint32
			payload []byte
		)

		inBounds := requestHeader.Offset+uint64(requestHeader.Length) <= uint64(export.Backend.Size())

		switch requestHeader.Type {
		case protocol.TRANSMISSION_TYPE_REQUEST_READ:
			if !inBounds {
				errno = uint32(protocol.EINVAL)

				break
			}

			payload = make([]byte, requestHeader.Length)
			if _, err := export.Backend.ReadAt(payload, int64(requestHeader.Offset)); err != nil {
				return err
			}
		case protocol.TRANSMISSION_TYPE_REQUEST_WRITE:
			data := make([]byte, requestHeader.Length)
			if _, err := io.ReadFull(conn, data); err != nil {
				return err
			}

			switch {
			case readOnly:
				errno = uint32(protocol.EPERM)
			case !inBounds:
				errno = uint32(protocol.ENOSPC)
			default:
				if _, err := export.Backend.WriteAt(data, int64(requestHeader.Offset)); err != nil {
					return err
				}
			}
		case protocol.TRANSMISSION_TYPE_REQUEST_FLUSH:
		case protocol.TRANSMISSION_TYPE_REQUEST_TRIM:
			if !inBounds {
				errno = uint32(protocol.EINVAL)

				break
			}

			export.Backend.Zero(int64(requestHeader.Offset), int64(requestHeader.Length))
		case protocol.TRANSMISSION_TYPE_REQUEST_DISC:
			return nil
		default:
			errno = uint32(protocol.EINVAL)
		}

		reply := &bytes.Buffer{}
		if err := binary.Write(reply, binary.BigEndian, protocol.TransmissionReplyHeader{
			ReplyMagic: protocol.TRANSMISSION_MAGIC_REPLY,
			Error:      errno,
			Handle:     requestHeader.Handle,
		}); err != nil {
			return err
		}

		if errno == 0 {
			reply.Write(payload)
		}

		if _, err := io.Copy(conn, reply); err != nil {
			return err
		}
	}
}
