package engine

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pojntfx/nbdadm/internal/nbdtest"
	"github.com/pojntfx/nbdadm/pkg/client"
	"github.com/pojntfx/nbdadm/pkg/protocol"
	"github.com/pojntfx/nbdadm/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	writableFlags = protocol.TRANSMISSION_FLAG_HAS_FLAGS | protocol.TRANSMISSION_FLAG_SEND_FLUSH | protocol.TRANSMISSION_FLAG_SEND_TRIM | protocol.TRANSMISSION_FLAG_SEND_FUA
	readOnlyFlags = protocol.TRANSMISSION_FLAG_HAS_FLAGS | protocol.TRANSMISSION_FLAG_READ_ONLY
)

// recordingSession accepts every send and never receives anything.
type recordingSession struct {
	lock   sync.Mutex
	sent   [][]byte
	closed chan struct{}
	once   sync.Once
}

func newRecordingSession() *recordingSession {
	return &recordingSession{closed: make(chan struct{})}
}

func (s *recordingSession) SendExact(b []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.sent = append(s.sent, b)

	return nil
}

func (s *recordingSession) RecvExact(n int) ([]byte, error) {
	<-s.closed

	return nil, io.ErrUnexpectedEOF
}

func (s *recordingSession) Close() error {
	s.once.Do(func() {
		close(s.closed)
	})

	return nil
}

func (s *recordingSession) Sent() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.sent)
}

func export(size uint64, flags uint16) client.ExportDescriptor {
	return client.ExportDescriptor{
		Name:              "test",
		Size:              size,
		TransmissionFlags: flags,
		Mode:              client.TransferModeFixedNewstyle,
	}
}

// newPipeEngine returns an engine and the server end of its connection.
func newPipeEngine(t *testing.T, descriptor client.ExportDescriptor) (*Engine, net.Conn) {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	e := New(context.Background(), transport.NewSession(clientConn), descriptor, nil)

	t.Cleanup(func() {
		_ = serverConn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = e.Close(ctx)
	})

	return e, serverConn
}

func readRequest(t *testing.T, conn net.Conn) (protocol.TransmissionRequestHeader, []byte) {
	t.Helper()

	b := make([]byte, protocol.REQUEST_HEADER_SIZE)
	_, err := io.ReadFull(conn, b)
	require.NoError(t, err)

	header, err := protocol.DecodeRequestHeader(b)
	require.NoError(t, err)

	if header.Type != protocol.TRANSMISSION_TYPE_REQUEST_WRITE {
		return header, nil
	}

	payload := make([]byte, header.Length)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)

	return header, payload
}

func writeReply(t *testing.T, conn net.Conn, handle uint64, errno uint32, payload []byte) {
	t.Helper()

	_, err := conn.Write(protocol.EncodeReply(protocol.TransmissionReplyHeader{
		Error:  errno,
		Handle: handle,
	}, payload))
	require.NoError(t, err)
}

func waitCompletions(t *testing.T, e *Engine, n int) []Completion {
	t.Helper()

	completions := []Completion{}
	timeout := time.After(5 * time.Second)
	for len(completions) < n {
		completions = append(completions, e.PollCompletions()...)
		if len(completions) >= n {
			break
		}

		select {
		case <-e.Ready():
		case <-timeout:
			require.FailNow(t, "timed out waiting for completions", "got %v of %v", len(completions), n)
		}
	}

	return completions
}

func TestWriteThenRead(t *testing.T) {
	e, conn := newPipeEngine(t, export(4096, writableFlags))

	data := []byte("hello, world")

	done := make(chan struct{})
	go func() {
		defer close(done)

		header, payload := readRequest(t, conn)
		assert.Equal(t, protocol.TRANSMISSION_TYPE_REQUEST_WRITE, header.Type)
		assert.Equal(t, uint64(512), header.Offset)
		assert.Equal(t, data, payload)
		writeReply(t, conn, header.Handle, 0, nil)

		header, _ = readRequest(t, conn)
		assert.Equal(t, protocol.TRANSMISSION_TYPE_REQUEST_READ, header.Type)
		writeReply(t, conn, header.Handle, 0, data)
	}()

	write, err := e.Submit(KindWrite, 512, uint32(len(data)), data)
	require.NoError(t, err)

	completions := waitCompletions(t, e, 1)
	require.Len(t, completions, 1)
	assert.Equal(t, write, completions[0].Handle)
	assert.True(t, completions[0].OK())
	assert.Nil(t, completions[0].Payload)

	read, err := e.Submit(KindRead, 512, uint32(len(data)), nil)
	require.NoError(t, err)

	completions = waitCompletions(t, e, 1)
	require.Len(t, completions, 1)
	assert.Equal(t, read, completions[0].Handle)
	assert.Equal(t, KindRead, completions[0].Kind)
	assert.Equal(t, data, completions[0].Payload)

	<-done
	assert.Zero(t, e.Outstanding())
}

func TestSubmissionOrder(t *testing.T) {
	e, conn := newPipeEngine(t, export(1<<20, writableFlags))

	handles := []uint64{}
	for i := 0; i < 3; i++ {
		handle, err := e.Submit(KindWrite, uint64(i)*512, 512, make([]byte, 512))
		require.NoError(t, err)

		handles = append(handles, handle)
	}

	for i := 0; i < 3; i++ {
		header, _ := readRequest(t, conn)
		assert.Equal(t, handles[i], header.Handle)
		assert.Equal(t, uint64(i)*512, header.Offset)
	}
}

func TestOutOfOrderCompletion(t *testing.T) {
	e, conn := newPipeEngine(t, export(4096, writableFlags))

	first, err := e.Submit(KindRead, 0, 4, nil)
	require.NoError(t, err)

	second, err := e.Submit(KindRead, 4, 4, nil)
	require.NoError(t, err)

	h1, _ := readRequest(t, conn)
	h2, _ := readRequest(t, conn)
	require.Equal(t, first, h1.Handle)
	require.Equal(t, second, h2.Handle)

	writeReply(t, conn, second, 0, []byte("BBBB"))
	writeReply(t, conn, first, 0, []byte("AAAA"))

	completions := waitCompletions(t, e, 2)
	require.Len(t, completions, 2)

	assert.Equal(t, second, completions[0].Handle)
	assert.Equal(t, []byte("BBBB"), completions[0].Payload)
	assert.Equal(t, first, completions[1].Handle)
	assert.Equal(t, []byte("AAAA"), completions[1].Payload)
}

func TestServerError(t *testing.T) {
	e, conn := newPipeEngine(t, export(4096, writableFlags))

	handle, err := e.Submit(KindWrite, 0, 4, []byte("data"))
	require.NoError(t, err)

	header, _ := readRequest(t, conn)
	writeReply(t, conn, header.Handle, uint32(protocol.ENOSPC), nil)

	completions := waitCompletions(t, e, 1)
	require.Len(t, completions, 1)
	assert.Equal(t, handle, completions[0].Handle)
	assert.ErrorIs(t, completions[0].Err, protocol.ENOSPC)

	// A server error only fails the transaction
	select {
	case <-e.Done():
		t.Fatal("session ended on server error")
	default:
	}
}

func TestSubmitRejection(t *testing.T) {
	tests := []struct {
		name    string
		flags   uint16
		kind    Kind
		cflags  uint16
		offset  uint64
		length  uint32
		payload []byte
		wantErr error
	}{
		{"write past end", writableFlags, KindWrite, 0, 4086, 20, make([]byte, 20), ErrInvalidLength},
		{"read past end", writableFlags, KindRead, 0, 4096, 1, nil, ErrInvalidLength},
		{"zero length read", writableFlags, KindRead, 0, 0, 0, nil, ErrInvalidLength},
		{"zero length write", writableFlags, KindWrite, 0, 0, 0, nil, ErrInvalidLength},
		{"offset overflow", writableFlags, KindRead, 0, ^uint64(0) - 1, 4, nil, ErrInvalidLength},
		{"payload mismatch", writableFlags, KindWrite, 0, 0, 8, make([]byte, 4), ErrInvalidLength},
		{"flush with range", writableFlags, KindFlush, 0, 0, 512, nil, ErrInvalidLength},
		{"write to read-only", readOnlyFlags, KindWrite, 0, 0, 4, make([]byte, 4), ErrNotWritable},
		{"trim on read-only", readOnlyFlags, KindTrim, 0, 0, 512, nil, ErrNotWritable},
		{"flush without flush support", readOnlyFlags, KindFlush, 0, 0, 0, nil, ErrNotWritable},
		{"trim without trim support", protocol.TRANSMISSION_FLAG_HAS_FLAGS, KindTrim, 0, 0, 512, nil, ErrNotSupported},
		{"fua without fua support", protocol.TRANSMISSION_FLAG_HAS_FLAGS, KindWrite, protocol.TRANSMISSION_COMMAND_FLAG_FUA, 0, 4, make([]byte, 4), ErrNotSupported},
		{"fua on read", writableFlags, KindRead, protocol.TRANSMISSION_COMMAND_FLAG_FUA, 0, 4, nil, ErrNotSupported},
		{"unknown kind", writableFlags, Kind(42), 0, 0, 0, nil, ErrUnknownKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := newRecordingSession()

			e := New(context.Background(), session, export(4096, tt.flags), nil)
			defer func() {
				_ = session.Close()

				e.wg.Wait()
			}()

			_, err := e.SubmitWithFlags(tt.kind, tt.cflags, tt.offset, tt.length, tt.payload)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, e.Outstanding())

			// Give the transmitter a chance to send anything it might have queued
			time.Sleep(10 * time.Millisecond)
			assert.Zero(t, session.Sent())
		})
	}
}

func TestRejectionErrorClasses(t *testing.T) {
	assert.True(t, errdefs.IsInvalidArgument(ErrInvalidLength))
	assert.True(t, errdefs.IsPermissionDenied(ErrNotWritable))
	assert.True(t, errdefs.IsNotImplemented(ErrNotSupported))
	assert.True(t, errdefs.IsUnavailable(ErrTransportLost))
	assert.True(t, errdefs.IsFailedPrecondition(ErrBusy))
}

func TestMaxTransferSize(t *testing.T) {
	session := newRecordingSession()

	e := New(context.Background(), session, export(1<<20, writableFlags), &Options{MaxTransferSize: 4096})
	defer func() {
		_ = session.Close()

		e.wg.Wait()
	}()

	_, err := e.Submit(KindRead, 0, 8192, nil)
	assert.ErrorIs(t, err, ErrInvalidLength)

	// Trims carry no payload and are not bounded by the transfer size
	_, err = e.Submit(KindTrim, 0, 8192, nil)
	assert.NoError(t, err)
}

func TestTransportLost(t *testing.T) {
	e, conn := newPipeEngine(t, export(4096, writableFlags))

	handles := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		handle, err := e.Submit(KindRead, uint64(i)*8, 8, nil)
		require.NoError(t, err)

		handles[handle] = true
	}

	for i := 0; i < 3; i++ {
		readRequest(t, conn)
	}

	require.NoError(t, conn.Close())

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}

	completions := waitCompletions(t, e, 3)
	require.Len(t, completions, 3)
	for _, c := range completions {
		assert.ErrorIs(t, c.Err, ErrTransportLost)
		assert.True(t, handles[c.Handle])

		delete(handles, c.Handle)
	}
	assert.Empty(t, handles)

	assert.Empty(t, e.PollCompletions())
	assert.Zero(t, e.Outstanding())
	assert.Error(t, e.Err())

	_, err := e.Submit(KindRead, 0, 8, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestUnknownHandleEndsSession(t *testing.T) {
	e, conn := newPipeEngine(t, export(4096, writableFlags))

	handle, err := e.Submit(KindFlush, 0, 0, nil)
	require.NoError(t, err)

	readRequest(t, conn)
	writeReply(t, conn, handle+1000, 0, nil)

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}

	assert.ErrorIs(t, e.Err(), ErrProtocolViolation)

	completions := waitCompletions(t, e, 1)
	require.Len(t, completions, 1)
	assert.Equal(t, handle, completions[0].Handle)
	assert.ErrorIs(t, completions[0].Err, ErrTransportLost)
}

func TestHandleUniqueness(t *testing.T) {
	session := newRecordingSession()

	e := New(context.Background(), session, export(1<<20, writableFlags), nil)
	defer func() {
		_ = session.Close()

		e.wg.Wait()
	}()

	var (
		lock    sync.Mutex
		handles = map[uint64]struct{}{}
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 16; j++ {
				handle, err := e.Submit(KindRead, 0, 512, nil)
				assert.NoError(t, err)

				lock.Lock()
				handles[handle] = struct{}{}
				lock.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, handles, 256)
	assert.Equal(t, 256, e.Outstanding())
}

func TestHandleAllocationSkipsOutstanding(t *testing.T) {
	session := newRecordingSession()

	e := New(context.Background(), session, export(4096, writableFlags), nil)
	defer func() {
		_ = session.Close()

		e.wg.Wait()
	}()

	first, err := e.Submit(KindRead, 0, 8, nil)
	require.NoError(t, err)

	e.lock.Lock()
	e.nextHandle = first
	e.lock.Unlock()

	second, err := e.Submit(KindRead, 0, 8, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestSeal(t *testing.T) {
	e, conn := newPipeEngine(t, export(4096, writableFlags))

	handle, err := e.Submit(KindFlush, 0, 0, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, e.Seal(), ErrBusy)

	readRequest(t, conn)
	writeReply(t, conn, handle, 0, nil)
	waitCompletions(t, e, 1)

	// Still accepting after a failed seal
	handle, err = e.Submit(KindFlush, 0, 0, nil)
	require.NoError(t, err)

	readRequest(t, conn)
	writeReply(t, conn, handle, 0, nil)
	waitCompletions(t, e, 1)

	require.NoError(t, e.Seal())

	_, err = e.Submit(KindFlush, 0, 0, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestDisconnect(t *testing.T) {
	e, conn := newPipeEngine(t, export(4096, writableFlags))

	handle, err := e.Submit(KindDisconnect, 0, 0, nil)
	require.NoError(t, err)

	header, _ := readRequest(t, conn)
	assert.Equal(t, protocol.TRANSMISSION_TYPE_REQUEST_DISC, header.Type)
	assert.Equal(t, handle, header.Handle)

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}

	completions := waitCompletions(t, e, 1)
	require.Len(t, completions, 1)
	assert.True(t, completions[0].OK())
	assert.ErrorIs(t, e.Err(), ErrDisconnected)

	_, err = e.Submit(KindRead, 0, 8, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestClose(t *testing.T) {
	e, conn := newPipeEngine(t, export(4096, writableFlags))

	received := make(chan protocol.TransmissionRequestHeader, 1)
	go func() {
		header, _ := readRequest(t, conn)
		received <- header
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, e.Close(ctx))

	header := <-received
	assert.Equal(t, protocol.TRANSMISSION_TYPE_REQUEST_DISC, header.Type)

	// Idempotent
	require.NoError(t, e.Close(ctx))
}

func TestCloseTimeout(t *testing.T) {
	e, _ := newPipeEngine(t, export(4096, writableFlags))

	// Nobody reads the disconnect
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, e.Close(ctx))
	assert.ErrorIs(t, e.Err(), context.DeadlineExceeded)
}

func TestAgainstServer(t *testing.T) {
	backend := nbdtest.NewMemoryBackend(make([]byte, 1<<20))

	address := nbdtest.Start(t, &nbdtest.Server{
		Exports: map[string]*nbdtest.Export{
			"disk": {
				Backend:           backend,
				TransmissionFlags: protocol.TRANSMISSION_FLAG_HAS_FLAGS | protocol.TRANSMISSION_FLAG_SEND_FLUSH | protocol.TRANSMISSION_FLAG_SEND_TRIM,
			},
		},
		HandshakeFlags: protocol.NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE | protocol.NEGOTIATION_HANDSHAKE_FLAG_NO_ZEROES,
	})

	ctx := context.Background()

	session, descriptor, err := client.Connect(ctx, address, &client.Options{ExportName: "disk"})
	require.NoError(t, err)

	e := New(ctx, session, descriptor, nil)
	defer func() {
		require.NoError(t, e.Close(ctx))
	}()

	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i)
	}

	write, err := e.Submit(KindWrite, 4096, uint32(len(data)), data)
	require.NoError(t, err)

	flush, err := e.Submit(KindFlush, 0, 0, nil)
	require.NoError(t, err)

	read, err := e.Submit(KindRead, 4096, uint32(len(data)), nil)
	require.NoError(t, err)

	trim, err := e.Submit(KindTrim, 4096, 512, nil)
	require.NoError(t, err)

	results := map[uint64]Completion{}
	for _, c := range waitCompletions(t, e, 4) {
		results[c.Handle] = c
	}

	for _, handle := range []uint64{write, flush, read, trim} {
		require.Contains(t, results, handle)
		assert.NoError(t, results[handle].Err)
	}

	// Requests are served in order on a single connection
	assert.Equal(t, data, results[read].Payload)
	assert.Equal(t, make([]byte, 512), backend.Bytes()[4096:4096+512])
}
