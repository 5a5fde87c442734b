package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pojntfx/nbdadm/pkg/protocol"
)

const (
	unixPrefix = "unix:"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
)

// Address is a remote server address together with the network used to
// reach it.
type Address struct {
	// One of "tcp4", "tcp6", "unix", or "tcp" for host names that still
	// need to be resolved
	Network string
	Host    string
	Port    string
}

func (a Address) String() string {
	if a.Network == "unix" {
		return unixPrefix + a.Host
	}

	return net.JoinHostPort(a.Host, a.Port)
}

// ParseAddress parses "host", "host:port", "[v6]:port", "v6" or "unix:/path".
// The port defaults to the NBD port.
func ParseAddress(address string) (Address, error) {
	if strings.HasPrefix(address, unixPrefix) {
		path := strings.TrimPrefix(address, unixPrefix)
		if path == "" {
			return Address{}, fmt.Errorf("%w: empty socket path", ErrInvalidAddress)
		}

		return Address{Network: "unix", Host: path}, nil
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// No port given
		host = strings.TrimSuffix(strings.TrimPrefix(address, "["), "]")
		port = strconv.Itoa(protocol.DEFAULT_PORT)
	}

	if host == "" {
		return Address{}, fmt.Errorf("%w: %q has no host", ErrInvalidAddress, address)
	}

	if p, err := strconv.ParseUint(port, 10, 16); err != nil || p == 0 {
		return Address{}, fmt.Errorf("%w: %q has an invalid port", ErrInvalidAddress, address)
	}

	network := "tcp"
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			network = "tcp4"
		} else {
			network = "tcp6"
		}
	}

	return Address{Network: network, Host: host, Port: port}, nil
}
