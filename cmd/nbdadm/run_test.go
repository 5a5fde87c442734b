package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pojntfx/nbdadm/internal/nbdtest"
	"github.com/pojntfx/nbdadm/pkg/client"
	"github.com/pojntfx/nbdadm/pkg/config"
	"github.com/pojntfx/nbdadm/pkg/control"
	"github.com/pojntfx/nbdadm/pkg/protocol"
	"github.com/pojntfx/nbdadm/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachDevicesContinuesAfterFailure(t *testing.T) {
	address := nbdtest.Start(t, &nbdtest.Server{
		Exports: map[string]*nbdtest.Export{
			"disk": {
				Backend:           nbdtest.NewMemoryBackend(make([]byte, 4096)),
				TransmissionFlags: protocol.TRANSMISSION_FLAG_HAS_FLAGS,
			},
		},
		HandshakeFlags: protocol.NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE | protocol.NEGOTIATION_HANDSHAKE_FLAG_NO_ZEROES,
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	refused := l.Addr().String()
	require.NoError(t, l.Close())

	c := control.New(&control.Options{
		Client: &client.Options{Timeout: 5 * time.Second},
	})
	defer c.Close(context.Background())

	devices := attachDevices(context.Background(), c, []config.Device{
		{Instance: 0, Name: "unreachable", Export: "disk", Server: refused},
		{Instance: 1, Name: "disk", Export: "disk", Server: address, Device: "/dev/nbd7"},
	})

	assert.Equal(t, map[uint32]string{0: "", 1: "/dev/nbd7"}, devices)

	_, err = c.Lookup(0)
	assert.ErrorIs(t, err, registry.ErrNotAttached)

	instance, err := c.Lookup(1)
	require.NoError(t, err)
	assert.Equal(t, "disk", instance.Name)

	// Declared again, e.g. after a restore
	attachDevices(context.Background(), c, []config.Device{
		{Instance: 1, Name: "disk", Export: "disk", Server: address},
	})
	assert.Len(t, c.List(), 1)
}
