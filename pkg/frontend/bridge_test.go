package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pojntfx/nbdadm/internal/nbdtest"
	"github.com/pojntfx/nbdadm/pkg/client"
	"github.com/pojntfx/nbdadm/pkg/engine"
	"github.com/pojntfx/nbdadm/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kernel plays the NBD driver's side of the socket pair.
type kernel struct {
	t    *testing.T
	conn net.Conn
}

func (k *kernel) request(typ uint16, handle uint64, offset uint64, length uint32, payload []byte) {
	k.t.Helper()

	b, err := protocol.EncodeRequest(protocol.TransmissionRequestHeader{
		Type:   typ,
		Handle: handle,
		Offset: offset,
		Length: length,
	}, payload)
	require.NoError(k.t, err)

	_, err = k.conn.Write(b)
	require.NoError(k.t, err)
}

func (k *kernel) reply(length uint32) (protocol.TransmissionReplyHeader, []byte) {
	k.t.Helper()

	require.NoError(k.t, k.conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	b := make([]byte, protocol.REPLY_HEADER_SIZE)
	_, err := io.ReadFull(k.conn, b)
	require.NoError(k.t, err)

	header, err := protocol.DecodeReplyHeader(b)
	require.NoError(k.t, err)

	if header.Error != 0 || length == 0 {
		return header, nil
	}

	payload := make([]byte, length)
	_, err = io.ReadFull(k.conn, payload)
	require.NoError(k.t, err)

	return header, payload
}

func setup(t *testing.T, transmissionFlags uint16) (*kernel, *engine.Engine, *nbdtest.Server, chan error) {
	t.Helper()

	s := &nbdtest.Server{
		Exports: map[string]*nbdtest.Export{
			"disk": {
				Backend:           nbdtest.NewMemoryBackend(make([]byte, 1<<20)),
				TransmissionFlags: transmissionFlags,
			},
		},
		HandshakeFlags: protocol.NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE | protocol.NEGOTIATION_HANDSHAKE_FLAG_NO_ZEROES,
	}

	ctx := context.Background()

	session, descriptor, err := client.Connect(ctx, nbdtest.Start(t, s), &client.Options{ExportName: "disk"})
	require.NoError(t, err)

	e := engine.New(ctx, session, descriptor, nil)

	kernelConn, bridgeConn := net.Pipe()

	served := make(chan error, 1)
	go func() {
		served <- NewBridge(ctx, bridgeConn, e).Serve(ctx)
	}()

	t.Cleanup(func() {
		_ = kernelConn.Close()

		_ = e.Close(ctx)
	})

	return &kernel{t, kernelConn}, e, s, served
}

func waitServed(t *testing.T, served chan error) error {
	t.Helper()

	select {
	case err := <-served:
		return err
	case <-time.After(5 * time.Second):
		require.FailNow(t, "bridge did not stop")

		return nil
	}
}

func TestBridgeReadWrite(t *testing.T) {
	k, _, _, served := setup(t, protocol.TRANSMISSION_FLAG_HAS_FLAGS|protocol.TRANSMISSION_FLAG_SEND_FLUSH)

	data := []byte("written through the block layer")

	k.request(protocol.TRANSMISSION_TYPE_REQUEST_WRITE, 0xdead, 4096, uint32(len(data)), data)

	header, _ := k.reply(0)
	assert.Equal(t, uint64(0xdead), header.Handle)
	assert.Zero(t, header.Error)

	k.request(protocol.TRANSMISSION_TYPE_REQUEST_FLUSH, 0xbeef, 0, 0, nil)

	header, _ = k.reply(0)
	assert.Equal(t, uint64(0xbeef), header.Handle)
	assert.Zero(t, header.Error)

	k.request(protocol.TRANSMISSION_TYPE_REQUEST_READ, 0xf00d, 4096, uint32(len(data)), nil)

	header, payload := k.reply(uint32(len(data)))
	assert.Equal(t, uint64(0xf00d), header.Handle)
	assert.Equal(t, data, payload)

	k.request(protocol.TRANSMISSION_TYPE_REQUEST_DISC, 0, 0, 0, nil)

	assert.NoError(t, waitServed(t, served))
}

func TestBridgeRejections(t *testing.T) {
	k, e, _, served := setup(t, protocol.TRANSMISSION_FLAG_HAS_FLAGS|protocol.TRANSMISSION_FLAG_READ_ONLY)

	k.request(protocol.TRANSMISSION_TYPE_REQUEST_WRITE, 1, 0, 4, []byte("data"))

	header, _ := k.reply(0)
	assert.Equal(t, uint64(1), header.Handle)
	assert.Equal(t, uint32(protocol.EPERM), header.Error)

	k.request(protocol.TRANSMISSION_TYPE_REQUEST_READ, 2, 1<<20, 512, nil)

	header, _ = k.reply(0)
	assert.Equal(t, uint64(2), header.Handle)
	assert.Equal(t, uint32(protocol.EINVAL), header.Error)

	k.request(protocol.TRANSMISSION_TYPE_REQUEST_TRIM, 3, 0, 512, nil)

	header, _ = k.reply(0)
	assert.Equal(t, uint32(protocol.EPERM), header.Error)

	// Nothing reached the server
	assert.Zero(t, e.Outstanding())

	k.request(protocol.TRANSMISSION_TYPE_REQUEST_DISC, 0, 0, 0, nil)

	assert.NoError(t, waitServed(t, served))
}

func TestBridgeTransportLost(t *testing.T) {
	k, e, s, served := setup(t, protocol.TRANSMISSION_FLAG_HAS_FLAGS)

	s.CloseConnections()

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}

	assert.ErrorIs(t, waitServed(t, served), engine.ErrTransportLost)

	// The bridge closed its end
	_, err := k.conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestBridgeCancel(t *testing.T) {
	s := &nbdtest.Server{
		Exports: map[string]*nbdtest.Export{
			"disk": {Backend: nbdtest.NewMemoryBackend(make([]byte, 4096))},
		},
	}

	session, descriptor, err := client.Connect(context.Background(), nbdtest.Start(t, s), &client.Options{ExportName: "disk"})
	require.NoError(t, err)

	e := engine.New(context.Background(), session, descriptor, nil)
	defer e.Close(context.Background())

	_, bridgeConn := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())

	served := make(chan error, 1)
	go func() {
		served <- NewBridge(ctx, bridgeConn, e).Serve(ctx)
	}()

	cancel()

	assert.ErrorIs(t, waitServed(t, served), context.Canceled)
}

func TestErrno(t *testing.T) {
	tests := []struct {
		err  error
		want protocol.Errno
	}{
		{nil, 0},
		{protocol.ENOSPC, protocol.ENOSPC},
		{fmt.Errorf("wrapped: %w", protocol.EIO), protocol.EIO},
		{engine.ErrNotWritable, protocol.EPERM},
		{fmt.Errorf("%w: zero length", engine.ErrInvalidLength), protocol.EINVAL},
		{engine.ErrUnknownKind, protocol.EINVAL},
		{engine.ErrNotSupported, protocol.ENOTSUP},
		{fmt.Errorf("%w: eof", engine.ErrTransportLost), protocol.ESHUTDOWN},
		{engine.ErrSessionClosed, protocol.ESHUTDOWN},
		{errors.New("anything else"), protocol.EIO},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Errno(tt.err), "%v", tt.err)
	}
}
