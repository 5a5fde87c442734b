package client

import (
	"context"
	"fmt"

	"github.com/pojntfx/nbdadm/pkg/protocol"
)

// List asks the server for the names of its exports and then aborts the
// handshake. The session can't be used for transmission afterwards.
func List(ctx context.Context, conn Conn) ([]string, error) {
	defer withDeadline(ctx, conn)()

	if _, _, err := negotiateNewstyle(conn); err != nil {
		return []string{}, err
	}

	if err := conn.SendExact(protocol.EncodeOptionRequest(protocol.NEGOTIATION_ID_OPTION_LIST, nil)); err != nil {
		return []string{}, err
	}

	exportNames := []string{}
n:
	for {
		reply, err := readOptionReply(conn, nil)
		if err != nil {
			return []string{}, err
		}

		if reply.ID != protocol.NEGOTIATION_ID_OPTION_LIST {
			return []string{}, fmt.Errorf("%w: reply for option %v", ErrUnexpectedReply, reply.ID)
		}

		switch {
		case reply.Type == protocol.NEGOTIATION_TYPE_REPLY_SERVER:
			exportName, err := protocol.DecodeServerReplyPayload(reply.Payload)
			if err != nil {
				return []string{}, err
			}

			exportNames = append(exportNames, exportName)
		case reply.Type == protocol.NEGOTIATION_TYPE_REPLY_ACK:
			break n
		case protocol.IsReplyError(reply.Type):
			return []string{}, fmt.Errorf("%w: server replied %v to list option", ErrNegotiationRejected, protocol.ReplyTypeName(reply.Type))
		default:
			return []string{}, fmt.Errorf("%w: %v", ErrUnexpectedReply, protocol.ReplyTypeName(reply.Type))
		}
	}

	if err := conn.SendExact(protocol.EncodeOptionRequest(protocol.NEGOTIATION_ID_OPTION_ABORT, nil)); err != nil {
		return []string{}, err
	}

	return exportNames, nil
}
