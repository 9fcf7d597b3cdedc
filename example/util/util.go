package util

import "net"

// GetOutboundIP returns the local address the OS would pick to reach the
// public internet, used by the example as a stand-in for "this machine's
// LAN address" without requiring interface enumeration.
func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
