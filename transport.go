package mdns

import (
	"context"
	"errors"
	"net"
)

// Socket abstracts the multicast UDP transport the engine sends and
// receives through. The engine never touches net.UDPConn directly; it only
// ever depends on this interface, so tests can substitute an in-memory
// socket and a host application can substitute its own platform transport
// (§6 socket contract).
type Socket interface {
	// Send writes one encoded datagram to the mDNS multicast group, on every
	// joined interface.
	Send(data []byte) error
	// SendTo writes one encoded datagram to a specific unicast address, used
	// for QU (unicast-response-requested) replies (RFC 6762 §5.4).
	SendTo(data []byte, addr *net.UDPAddr) error
	// Recv blocks until a datagram arrives or ctx is canceled, returning the
	// payload, the interface index it arrived on (0 when unknown), and the
	// sender's address.
	Recv(ctx context.Context) (data []byte, ifIndex int, src *net.UDPAddr, err error)
	MaxPayload() int
	Close() error
	// Rebind closes this socket and returns a freshly bound replacement of
	// the same family and interface set, for the engine's IoError recovery
	// path after a persistent Recv error (§7).
	Rebind() (Socket, error)
}

// Platform abstracts interface enumeration, kept out of the engine's direct
// dependency graph (§6, the "interface enumeration" collaborator) so it can
// be swapped in tests or by an embedding application with its own interface
// filtering policy.
type Platform interface {
	Interfaces() ([]net.Interface, error)
}

type defaultPlatform struct{}

func (defaultPlatform) Interfaces() ([]net.Interface, error) { return net.Interfaces() }

var errNoUsableInterface = errors.New("mdns: no usable multicast interface")

func usableInterfaces(ifaces []net.Interface) []net.Interface {
	var out []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out
}
