// Package ticket encodes and decodes the opaque, user-pasteable string that
// bootstraps a first connection to a remote peer: its public key plus
// optional direct-address hints.
package ticket

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
)

// version identifies the wire layout below. Bump it if the layout changes;
// Decode rejects any other value.
const version = 1

// pubKeyLen is the size of the X25519 public key carried in a ticket.
const pubKeyLen = 32

// maxHints bounds how many address hints a single ticket may carry, so a
// malformed or hostile ticket can't make Decode allocate without limit.
const maxHints = 32

// encoding is the alphabet tickets are rendered in: standard base32
// (upper-case A-Z and 2-7) without '=' padding, easy to read aloud and to
// paste. Decode accepts upper case only.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Ticket is the decoded bootstrap payload: a remote peer's public key plus
// zero or more "host:port" strings where that peer might be directly
// reachable.
type Ticket struct {
	PublicKey [32]byte
	Hints     []string
}

// Encode renders t as a pasteable ticket string.
func Encode(t Ticket) (string, error) {
	if len(t.Hints) > maxHints {
		return "", fmt.Errorf("ticket: too many hints (%d, max %d)", len(t.Hints), maxHints)
	}

	buf := make([]byte, 0, 1+pubKeyLen+2+64)
	buf = append(buf, version)
	buf = append(buf, t.PublicKey[:]...)

	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(t.Hints)))
	buf = append(buf, countBuf[:]...)

	for _, h := range t.Hints {
		if len(h) > 0xFFFF {
			return "", fmt.Errorf("ticket: hint too long (%d bytes)", len(h))
		}
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(h)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, h...)
	}

	return encoding.EncodeToString(buf), nil
}

// Decode parses a ticket string produced by Encode.
func Decode(s string) (Ticket, error) {
	buf, err := encoding.DecodeString(s)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: malformed encoding: %w", err)
	}

	if len(buf) < 1+pubKeyLen+2 {
		return Ticket{}, fmt.Errorf("ticket: too short (%d bytes)", len(buf))
	}
	if buf[0] != version {
		return Ticket{}, fmt.Errorf("ticket: unsupported version %d", buf[0])
	}

	var t Ticket
	copy(t.PublicKey[:], buf[1:1+pubKeyLen])

	pos := 1 + pubKeyLen
	count := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2
	if count > maxHints {
		return Ticket{}, fmt.Errorf("ticket: too many hints (%d, max %d)", count, maxHints)
	}

	hints := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if pos+2 > len(buf) {
			return Ticket{}, fmt.Errorf("ticket: truncated hint length")
		}
		n := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if pos+n > len(buf) {
			return Ticket{}, fmt.Errorf("ticket: truncated hint body")
		}
		hints = append(hints, string(buf[pos:pos+n]))
		pos += n
	}
	if pos != len(buf) {
		return Ticket{}, fmt.Errorf("ticket: trailing garbage (%d bytes)", len(buf)-pos)
	}
	t.Hints = hints

	return t, nil
}
