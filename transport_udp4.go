package mdns

import (
	"context"
	"net"

	"golang.org/x/net/ipv4"
)

// udp4Socket is the IPv4 multicast transport, built on golang.org/x/net/ipv4
// the way joshuafuller-beacon's internal/transport/udp.go and
// elum-utils-mdns's server.go do: a raw *net.UDPConn wrapped in an
// ipv4.PacketConn so we can join the group per-interface and recover the
// inbound interface index via control messages.
type udp4Socket struct {
	conn     *net.UDPConn
	pc       *ipv4.PacketConn
	group    *net.UDPAddr
	ifaces   []net.Interface
	payload  int
	bindAddr net.IP
}

func newUDP4Socket(ifaces []net.Interface, maxPayload int, bindAddr net.IP) (*udp4Socket, error) {
	group := &net.UDPAddr{IP: net.ParseIP(multicastAddrV4), Port: mdnsPort}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindAddr, Port: mdnsPort})
	if err != nil {
		return nil, &IoError{Op: "listen udp4", Err: err}
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
		conn.Close()
		return nil, &IoError{Op: "set control message udp4", Err: err}
	}

	usable := usableInterfaces(ifaces)
	var joined []net.Interface
	for i := range usable {
		iface := usable[i]
		if err := pc.JoinGroup(&iface, group); err == nil {
			joined = append(joined, iface)
		} else {
			logger.Warn("udp4: failed to join multicast group", "interface", iface.Name, "err", err)
		}
	}
	if len(joined) == 0 {
		conn.Close()
		return nil, &IoError{Op: "join group udp4", Err: errNoUsableInterface}
	}
	_ = pc.SetMulticastTTL(255)
	_ = pc.SetMulticastLoopback(true)

	return &udp4Socket{conn: conn, pc: pc, group: group, ifaces: joined, payload: maxPayload, bindAddr: bindAddr}, nil
}

func (s *udp4Socket) Send(data []byte) error {
	var lastErr error
	sent := 0
	for i := range s.ifaces {
		iface := s.ifaces[i]
		cm := &ipv4.ControlMessage{IfIndex: iface.Index}
		if _, err := s.pc.WriteTo(data, cm, s.group); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return &IoError{Op: "send udp4 multicast", Err: lastErr}
	}
	return nil
}

func (s *udp4Socket) SendTo(data []byte, addr *net.UDPAddr) error {
	if _, err := s.pc.WriteTo(data, nil, addr); err != nil {
		return &IoError{Op: "send udp4 unicast", Err: err}
	}
	return nil
}

func (s *udp4Socket) Recv(ctx context.Context) ([]byte, int, *net.UDPAddr, error) {
	buf := make([]byte, s.payload+256)
	type result struct {
		n   int
		cm  *ipv4.ControlMessage
		src net.Addr
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, cm, src, err := s.pc.ReadFrom(buf)
		ch <- result{n, cm, src, err}
	}()
	select {
	case <-ctx.Done():
		return nil, 0, nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, 0, nil, &IoError{Op: "recv udp4", Err: r.err}
		}
		ifIndex := 0
		if r.cm != nil {
			ifIndex = r.cm.IfIndex
		}
		udpAddr, _ := r.src.(*net.UDPAddr)
		return append([]byte(nil), buf[:r.n]...), ifIndex, udpAddr, nil
	}
}

func (s *udp4Socket) MaxPayload() int { return s.payload }

func (s *udp4Socket) Close() error { return s.conn.Close() }

func (s *udp4Socket) Rebind() (Socket, error) {
	s.conn.Close()
	return newUDP4Socket(s.ifaces, s.payload, s.bindAddr)
}
