package socks5

import (
	"encoding/binary"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ServerNegotiateNoAuth performs the greeting exchange: read
// VER/NMETHODS/methods[], then reply with the "no auth" method. This tunnel
// supports no SOCKS5 authentication method beyond no-auth, so any greeting
// that doesn't offer MethodNone fails negotiation and the caller closes the
// connection.
func ServerNegotiateNoAuth(conn net.Conn) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if !containsMethod(neg.Methods, txsocks5.MethodNone) {
		writeNoAcceptableMethods(conn)
		return fmt.Errorf("client does not support no-auth")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerReadRequest reads the CONNECT request.
func ServerReadRequest(conn net.Conn) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

// Destination decodes req's ATYP-tagged address: IPv4 as a dotted-quad
// string, domain as its UTF-8 bytes with the library's leading length byte
// stripped, IPv6 bracketed like a URL host. ok is false for any ATYP other
// than the three RFC 1928 defines.
func Destination(req *txsocks5.Request) (host string, port uint16, ok bool) {
	switch req.Atyp {
	case txsocks5.ATYPIPv4:
		host = net.IP(req.DstAddr).String()
	case txsocks5.ATYPDomain:
		host = string(req.DstAddr[1:])
	case txsocks5.ATYPIPv6:
		host = "[" + net.IP(req.DstAddr).String() + "]"
	default:
		return "", 0, false
	}
	return host, binary.BigEndian.Uint16(req.DstPort), true
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
