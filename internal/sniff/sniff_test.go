package sniff

import "testing"

func TestHTTPSimpleGet(t *testing.T) {
	t.Parallel()

	info, ok := HTTP([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if !ok {
		t.Fatal("expected ok")
	}
	if info.Method != "GET" || info.Target != "/" || info.Host != "example.com" {
		t.Fatalf("got %+v", info)
	}
}

func TestHTTPNoHostHeader(t *testing.T) {
	t.Parallel()

	info, ok := HTTP([]byte("GET /test HTTP/1.1\r\nUser-Agent: test\r\n\r\n"))
	if !ok {
		t.Fatal("expected ok")
	}
	if info.Host != "" {
		t.Fatalf("expected no host, got %q", info.Host)
	}
}

func TestHTTPTooShort(t *testing.T) {
	t.Parallel()

	if _, ok := HTTP([]byte("GET")); ok {
		t.Fatal("expected not ok")
	}
}

func TestHTTPNotHTTP(t *testing.T) {
	t.Parallel()

	if _, ok := HTTP([]byte("INVALID REQUEST LINE HERE\r\n\r\n")); ok {
		t.Fatal("expected not ok")
	}
}

func TestHTTPBinaryData(t *testing.T) {
	t.Parallel()

	if _, ok := HTTP([]byte{0x16, 0x03, 0x01, 0x00, 0x05, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}); ok {
		t.Fatal("expected not ok on binary TLS data")
	}
}

func TestTLSServerNameTooShort(t *testing.T) {
	t.Parallel()

	if _, ok := TLSServerName(make([]byte, 10)); ok {
		t.Fatal("expected not ok")
	}
}

func TestTLSServerNameNotHandshake(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 50)
	buf[0] = 0x17 // not a handshake record
	if _, ok := TLSServerName(buf); ok {
		t.Fatal("expected not ok")
	}
}

func TestTLSServerNameValid(t *testing.T) {
	t.Parallel()

	buf := buildClientHelloWithSNI("example.com")
	got, ok := TLSServerName(buf)
	if !ok {
		t.Fatal("expected ok")
	}
	if got != "example.com" {
		t.Fatalf("got %q want %q", got, "example.com")
	}
}

// buildClientHelloWithSNI constructs a minimal synthetic ClientHello record
// carrying a single SNI server_name extension, for testing the parser
// without a real TLS stack.
func buildClientHelloWithSNI(hostname string) []byte {
	buf := make([]byte, 100+len(hostname))
	buf[0] = 0x16 // handshake
	buf[1] = 0x03 // TLS 1.x
	buf[5] = 0x01 // ClientHello

	buf[43] = 0 // session id len

	buf[44] = 0 // cipher suites len (2 bytes)
	buf[45] = 2
	buf[46] = 0
	buf[47] = 0

	buf[48] = 1 // compression methods len
	buf[49] = 0

	sniExtLen := uint16(2 + 1 + 2 + len(hostname)) // list_len field + name_type + hostname_len + hostname
	extensionsLen := uint16(4 + sniExtLen)         // ext header (type+len) + body
	buf[50] = byte(extensionsLen >> 8)
	buf[51] = byte(extensionsLen)

	buf[52] = 0 // ext type = server_name
	buf[53] = 0

	buf[54] = byte(sniExtLen >> 8)
	buf[55] = byte(sniExtLen)

	listLen := uint16(1 + 2 + len(hostname))
	buf[56] = byte(listLen >> 8)
	buf[57] = byte(listLen)

	buf[58] = 0 // name type = host_name

	hostnameLen := uint16(len(hostname))
	buf[59] = byte(hostnameLen >> 8)
	buf[60] = byte(hostnameLen)

	copy(buf[61:], hostname)

	return buf
}
