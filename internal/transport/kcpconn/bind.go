package kcpconn

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Family picks the UDP network matching the IP family of host. Hostnames
// default to udp4.
func Family(host string) string {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return "udp4"
	}
	if addr.Is6() && !addr.Is4In6() {
		return "udp6"
	}
	return "udp4"
}

// BindLocal binds an ephemeral UDP port on the unspecified address of the
// family that can reach host.
func BindLocal(host string) (*net.UDPConn, error) {
	network := Family(host)
	laddr := &net.UDPAddr{IP: net.IPv4zero}
	if network == "udp6" {
		laddr = &net.UDPAddr{IP: net.IPv6unspecified}
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s: %w", ErrActivation, network, err)
	}
	return conn, nil
}

// LocalPort returns the bound port of a UDP socket, or 0.
func LocalPort(conn net.PacketConn) uint16 {
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return uint16(ua.Port)
	}
	return 0
}

// ResolveRemote resolves host:port on the same family BindLocal would use.
func ResolveRemote(host string, port uint16) (*net.UDPAddr, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	addr, err := net.ResolveUDPAddr(Family(host), net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrActivation, host, err)
	}
	return addr, nil
}
