package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value; the only command this
	// tunnel supports. No UDP ASSOCIATE, no BIND.
	CmdConnect = txsocks5.CmdConnect
)

// Reply codes this tunnel's CONNECT handling can produce. RepSuccess and
// RepCommandNotSupported come from the library directly; the rest are local
// constants because this tunnel's REP mapping (loop rejection,
// tunnel-unavailable, exit-dial-failure) has no equivalent in a generic
// upstream-forwarding proxy, so the library doesn't export their names.
const (
	RepSuccess             byte = txsocks5.RepSuccess
	RepGeneralFailure      byte = 0x01
	RepNotAllowed          byte = 0x02 // loop detected
	RepNetworkUnreach      byte = 0x03 // tunnel unavailable
	RepHostUnreach         byte = 0x04 // exit-side dial failed
	RepCommandNotSupported byte = txsocks5.RepCommandNotSupported
	RepAddrNotSupported    byte = 0x08
)

// WriteReply writes a SOCKS5 reply with the given REP code and a zeroed
// BND.ADDR/BND.PORT, which RFC 1928 permits for anything but the success
// case.
func WriteReply(conn net.Conn, rep byte) {
	_, _ = newZeroAddrReply(rep, txsocks5.ATYPIPv4).WriteTo(conn)
}

// WriteCommandNotSupportedReply writes a SOCKS5 reply indicating that the
// requested command is not supported; only CmdConnect is accepted.
func WriteCommandNotSupportedReply(conn net.Conn) {
	WriteReply(conn, RepCommandNotSupported)
}

// WriteAddrNotSupportedReply writes a SOCKS5 reply for an unrecognized ATYP.
func WriteAddrNotSupportedReply(conn net.Conn) {
	WriteReply(conn, RepAddrNotSupported)
}

// WriteNotAllowedReply writes a SOCKS5 reply for a loop-guard rejection.
func WriteNotAllowedReply(conn net.Conn) {
	WriteReply(conn, RepNotAllowed)
}

// WriteNetworkUnreachableReply writes a SOCKS5 reply for "no session within
// the reconnect wait".
func WriteNetworkUnreachableReply(conn net.Conn) {
	WriteReply(conn, RepNetworkUnreach)
}

// WriteHostUnreachableReply writes a SOCKS5 reply for an exit-side dial
// failure.
func WriteHostUnreachableReply(conn net.Conn) {
	WriteReply(conn, RepHostUnreach)
}

// WriteGeneralFailureReply writes a SOCKS5 reply for anything else that
// isn't one of the specific cases above.
func WriteGeneralFailureReply(conn net.Conn) {
	WriteReply(conn, RepGeneralFailure)
}

// WriteSuccessReply writes a SOCKS5 success reply using localAddr as the
// bound address.
func WriteSuccessReply(conn net.Conn, localAddr net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}
