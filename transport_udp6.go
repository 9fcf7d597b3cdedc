package mdns

import (
	"context"
	"net"

	"golang.org/x/net/ipv6"
)

// udp6Socket is the IPv6 counterpart of udp4Socket, built on
// golang.org/x/net/ipv6 the same way elum-utils-mdns's server.go layers its
// IPv6 listener over ipv6.PacketConn.
type udp6Socket struct {
	conn     *net.UDPConn
	pc       *ipv6.PacketConn
	group    *net.UDPAddr
	ifaces   []net.Interface
	payload  int
	bindAddr net.IP
}

func newUDP6Socket(ifaces []net.Interface, maxPayload int, bindAddr net.IP) (*udp6Socket, error) {
	group := &net.UDPAddr{IP: net.ParseIP(multicastAddrV6), Port: mdnsPort}

	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: bindAddr, Port: mdnsPort})
	if err != nil {
		return nil, &IoError{Op: "listen udp6", Err: err}
	}
	pc := ipv6.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		conn.Close()
		return nil, &IoError{Op: "set control message udp6", Err: err}
	}

	usable := usableInterfaces(ifaces)
	var joined []net.Interface
	for i := range usable {
		iface := usable[i]
		if err := pc.JoinGroup(&iface, group); err == nil {
			joined = append(joined, iface)
		} else {
			logger.Warn("udp6: failed to join multicast group", "interface", iface.Name, "err", err)
		}
	}
	if len(joined) == 0 {
		conn.Close()
		return nil, &IoError{Op: "join group udp6", Err: errNoUsableInterface}
	}
	_ = pc.SetMulticastHopLimit(255)
	_ = pc.SetMulticastLoopback(true)

	return &udp6Socket{conn: conn, pc: pc, group: group, ifaces: joined, payload: maxPayload, bindAddr: bindAddr}, nil
}

func (s *udp6Socket) Send(data []byte) error {
	var lastErr error
	sent := 0
	for i := range s.ifaces {
		iface := s.ifaces[i]
		cm := &ipv6.ControlMessage{IfIndex: iface.Index}
		if _, err := s.pc.WriteTo(data, cm, s.group); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return &IoError{Op: "send udp6 multicast", Err: lastErr}
	}
	return nil
}

func (s *udp6Socket) SendTo(data []byte, addr *net.UDPAddr) error {
	if _, err := s.pc.WriteTo(data, nil, addr); err != nil {
		return &IoError{Op: "send udp6 unicast", Err: err}
	}
	return nil
}

func (s *udp6Socket) Recv(ctx context.Context) ([]byte, int, *net.UDPAddr, error) {
	buf := make([]byte, s.payload+256)
	type result struct {
		n   int
		cm  *ipv6.ControlMessage
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
			return nil, 0, nil, &IoError{Op: "recv udp6", Err: r.err}
		}
		ifIndex := 0
		if r.cm != nil {
			ifIndex = r.cm.IfIndex
		}
		udpAddr, _ := r.src.(*net.UDPAddr)
		return append([]byte(nil), buf[:r.n]...), ifIndex, udpAddr, nil
	}
}

func (s *udp6Socket) MaxPayload() int { return s.payload }

func (s *udp6Socket) Close() error { return s.conn.Close() }

func (s *udp6Socket) Rebind() (Socket, error) {
	s.conn.Close()
	return newUDP6Socket(s.ifaces, s.payload, s.bindAddr)
}
