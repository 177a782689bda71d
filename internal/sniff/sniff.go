// Package sniff best-effort inspects the first relayed buffer of an outbound
// stream to extract HTTP request line / Host header (port 80) or TLS
// ClientHello SNI (port 443), for request logging only. Parsing never
// mutates or blocks on the buffer it's given; failure is silent.
package sniff

import (
	"encoding/binary"
	"strings"
)

// HTTPInfo is what was recovered from the start of an outbound-to-port-80
// stream.
type HTTPInfo struct {
	Method string
	Target string
	Host   string // empty if no Host header was present in the sniffed buffer
}

// HTTP parses the first line and, if present, the Host header of an HTTP
// request out of buf. It returns ok=false if buf doesn't look like the start
// of an HTTP/1.x request.
func HTTP(buf []byte) (HTTPInfo, bool) {
	if len(buf) < 16 {
		return HTTPInfo{}, false
	}

	text := string(buf)
	lineEnd := strings.IndexByte(text, '\n')
	if lineEnd < 0 {
		lineEnd = len(text)
	}
	firstLine := strings.TrimRight(text[:lineEnd], "\r\n")

	fields := strings.Fields(firstLine)
	if len(fields) < 3 {
		return HTTPInfo{}, false
	}
	method, target, version := fields[0], fields[1], fields[2]

	if !strings.HasPrefix(version, "HTTP/1.") || !isHTTPMethod(method) {
		return HTTPInfo{}, false
	}

	info := HTTPInfo{Method: method, Target: target}

	rest := ""
	if lineEnd < len(text) {
		rest = text[lineEnd+1:]
	}
	for _, line := range strings.Split(rest, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "host") {
			info.Host = strings.TrimSpace(value)
			break
		}
	}

	return info, true
}

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "HEAD": true,
	"OPTIONS": true, "PATCH": true, "CONNECT": true, "TRACE": true,
}

func isHTTPMethod(m string) bool {
	return httpMethods[m]
}

// TLSServerName extracts the SNI server_name extension from the start of a
// TLS ClientHello record in buf. It returns ok=false if buf isn't a
// recognizable ClientHello or carries no SNI extension.
func TLSServerName(buf []byte) (string, bool) {
	// Record header (5 bytes) + handshake header (4 bytes) + ClientHello
	// fixed fields (2 version + 32 random) = 43 bytes minimum before the
	// variable-length session ID.
	const minLen = 43
	if len(buf) < minLen {
		return "", false
	}

	if buf[0] != 0x16 { // handshake record
		return "", false
	}
	if buf[1] != 0x03 { // TLS 1.x major version
		return "", false
	}
	if buf[5] != 0x01 { // ClientHello handshake type
		return "", false
	}

	pos := minLen

	if pos >= len(buf) {
		return "", false
	}
	sessionIDLen := int(buf[pos])
	pos += 1 + sessionIDLen

	if pos+2 > len(buf) {
		return "", false
	}
	cipherSuitesLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2 + cipherSuitesLen

	if pos >= len(buf) {
		return "", false
	}
	compressionLen := int(buf[pos])
	pos += 1 + compressionLen

	if pos+2 > len(buf) {
		return "", false
	}
	extensionsLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2
	extensionsEnd := pos + extensionsLen

	for pos+4 <= extensionsEnd && pos+4 <= len(buf) {
		extType := binary.BigEndian.Uint16(buf[pos : pos+2])
		extLen := int(binary.BigEndian.Uint16(buf[pos+2 : pos+4]))
		pos += 4

		if extType != 0x0000 { // server_name extension
			pos += extLen
			continue
		}
		if pos+extLen > len(buf) || extLen < 5 {
			return "", false
		}

		nameType := buf[pos+2]
		if nameType != 0 { // 0 = host_name
			return "", false
		}
		hostnameLen := int(binary.BigEndian.Uint16(buf[pos+3 : pos+5]))
		if pos+5+hostnameLen > len(buf) {
			return "", false
		}
		return string(buf[pos+5 : pos+5+hostnameLen]), true
	}

	return "", false
}
