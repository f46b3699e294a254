package core

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol is the wire-transport protocol used to reach a server.
type Protocol int

const (
	ProtocolTLS Protocol = iota
	ProtocolPlaintext
)

func (p Protocol) String() string {
	if p == ProtocolPlaintext {
		return "t"
	}
	return "s"
}

// ServerAddr is the canonical (host, port, protocol) tri-tuple identifying a
// server. Equality and hashing are over the tuple; Host is canonicalized
// (IPv6 brackets stripped, address normalized) at construction time.
type ServerAddr struct {
	Host     string
	Port     uint16
	Protocol Protocol
}

// NewServerAddr validates host/port and normalizes host. protocol defaults
// to tls when empty.
func NewServerAddr(host string, port uint16, protocol Protocol) (ServerAddr, error) {
	canon, err := canonicalizeHost(host)
	if err != nil {
		return ServerAddr{}, fmt.Errorf("server addr: %w", err)
	}
	return ServerAddr{Host: canon, Port: port, Protocol: protocol}, nil
}

// canonicalizeHost strips IPv6 brackets and normalizes the textual form of
// IP-literal hosts; hostnames are lowercased and returned unchanged otherwise.
func canonicalizeHost(host string) (string, error) {
	h := strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	if ip := net.ParseIP(h); ip != nil {
		return ip.String(), nil
	}
	if h == "" {
		return "", fmt.Errorf("empty host")
	}
	return strings.ToLower(h), nil
}

// IsIPv6 reports whether Host parses as an IPv6 literal.
func (a ServerAddr) IsIPv6() bool {
	ip := net.ParseIP(a.Host)
	return ip != nil && ip.To4() == nil
}

// String renders the address as "host:port:protocol", bracketing IPv6 hosts.
func (a ServerAddr) String() string {
	host := a.Host
	if a.IsIPv6() {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d:%s", host, a.Port, a.Protocol)
}

// FriendlyName renders the address, omitting the trailing ":s" for the
// default tls protocol.
func (a ServerAddr) FriendlyName() string {
	host := a.Host
	if a.IsIPv6() {
		host = "[" + host + "]"
	}
	if a.Protocol == ProtocolTLS {
		return fmt.Sprintf("%s:%d", host, a.Port)
	}
	return fmt.Sprintf("%s:%d:%s", host, a.Port, a.Protocol)
}

// ServerAddrFromString splits s on its last two ':' fields and parses the
// result; it fails loudly on malformed input.
func ServerAddrFromString(s string) (ServerAddr, error) {
	host, port, proto, err := splitAddr(s)
	if err != nil {
		return ServerAddr{}, err
	}
	p, err := parseProtocol(proto)
	if err != nil {
		return ServerAddr{}, err
	}
	return NewServerAddr(host, port, p)
}

// ServerAddrFromStringWithInference is like ServerAddrFromString but
// tolerates a missing protocol (defaults to tls) and never raises: it
// returns ok=false on any parse failure instead.
func ServerAddrFromStringWithInference(s string) (addr ServerAddr, ok bool) {
	lastSeg, beforeLast, found := cutLast(s, ":")
	if !found {
		return ServerAddr{}, false
	}
	// lastSeg is either the protocol ("s"/"t") with a numeric port before it,
	// or the port itself when no protocol suffix was given.
	var hostPart, portPart, protoPart string
	if p, err := parseProtocol(lastSeg); err == nil && (lastSeg == "s" || lastSeg == "t") {
		protoPart = lastSeg
		portPart, hostPart, found = cutLast(beforeLast, ":")
		if !found {
			return ServerAddr{}, false
		}
		_ = p
	} else {
		protoPart = "s"
		portPart = lastSeg
		hostPart = beforeLast
	}
	port, err := strconv.ParseUint(portPart, 10, 16)
	if err != nil {
		return ServerAddr{}, false
	}
	p, err := parseProtocol(protoPart)
	if err != nil {
		return ServerAddr{}, false
	}
	addr, err = NewServerAddr(hostPart, uint16(port), p)
	if err != nil {
		return ServerAddr{}, false
	}
	return addr, true
}

// splitAddr splits "host:port:proto" on the last two colons, tolerating
// bracketed IPv6 literals that themselves contain colons.
func splitAddr(s string) (host string, port uint16, proto string, err error) {
	protoPart, rest, ok := cutLast(s, ":")
	if !ok {
		return "", 0, "", fmt.Errorf("server addr %q: missing protocol", s)
	}
	portPart, hostPart, ok := cutLast(rest, ":")
	if !ok {
		return "", 0, "", fmt.Errorf("server addr %q: missing port", s)
	}
	p, err := strconv.ParseUint(portPart, 10, 16)
	if err != nil {
		return "", 0, "", fmt.Errorf("server addr %q: bad port: %w", s, err)
	}
	return hostPart, uint16(p), protoPart, nil
}

// cutLast splits s on the last occurrence of sep, returning (after, before, true).
func cutLast(s, sep string) (after, before string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return "", s, false
	}
	return s[i+len(sep):], s[:i], true
}

func parseProtocol(s string) (Protocol, error) {
	switch s {
	case "", "s":
		return ProtocolTLS, nil
	case "t":
		return ProtocolPlaintext, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}
