package nat

import (
	"fmt"
	"net"
)

// localAddress returns the local IP a router-facing UDP socket would use
// to reach the default route, which is what AddPortMapping's
// internalClient argument expects.
func localAddress() (string, error) {
	conn, err := net.Dial("udp", "203.0.113.1:1")
	if err != nil {
		return "", fmt.Errorf("nat: determine local address: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
