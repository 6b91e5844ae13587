package protocol

import (
	"fmt"
	"net"
	"strings"
)

// Formats a tcp://host:port endpoint address.
func FormatAddr(host string, port int) string {
	return fmt.Sprintf("tcp://%s", net.JoinHostPort(host, fmt.Sprint(port)))
}

// Strips the tcp:// scheme and returns a host:port pair.
func ParseAddr(addr string) (string, error) {
	hostport, ok := strings.CutPrefix(addr, "tcp://")
	if !ok {
		return "", fmt.Errorf("unsupported address: %v", addr)
	}

	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return "", fmt.Errorf("unsupported address: %v", addr)
	}

	return hostport, nil
}

// Returns the host's primary IP address, i.e. the first global
// unicast IPv4 address found. Falls back to the loopback address.
func HostIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil || !ipnet.IP.IsGlobalUnicast() {
			continue
		}
		return ip.String()
	}

	return "127.0.0.1"
}

// Formats the worker's contact address. The loopback literal is
// rewritten to the host's primary IP so the address is meaningful
// to remote peers.
func CanonicalAddr(host string, port int) string {
	if host == "" || host == "0.0.0.0" || host == "127.0.0.1" || host == "localhost" {
		host = HostIP()
	}
	return FormatAddr(host, port)
}
