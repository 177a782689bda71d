// Package wire implements the length-prefixed frame codec carried over every
// tunnel substream.
//
// Each frame is a 4-byte big-endian length followed by a payload whose first
// byte is a tag identifying one of five TunnelMessage variants. Strings are
// length-prefixed with a 2-byte big-endian count; Data carries raw bytes.
package wire

import "fmt"

// Tag identifies the kind of TunnelMessage a frame carries.
type Tag byte

const (
	TagConnect   Tag = 0x01
	TagConnected Tag = 0x02
	TagError     Tag = 0x03
	TagData      Tag = 0x04
	TagClose     Tag = 0x05
)

func (t Tag) String() string {
	switch t {
	case TagConnect:
		return "Connect"
	case TagConnected:
		return "Connected"
	case TagError:
		return "Error"
	case TagData:
		return "Data"
	case TagClose:
		return "Close"
	default:
		return fmt.Sprintf("Tag(0x%02x)", byte(t))
	}
}

// MaxFrameLen is the hard ceiling on a single frame's payload length. Frames
// exceeding it are a protocol violation.
const MaxFrameLen = 1 << 20 // 1 MiB

// MaxDataLen is the largest payload a single Data frame may carry; senders
// fragment larger buffers into successive Data frames.
const MaxDataLen = 64 * 1024

// Message is the tunnel substream's wire-level sum type. Tag selects which of
// the field groups below is meaningful; Connected and Close carry none.
type Message struct {
	Tag Tag

	// Connect
	Host string
	Port uint16

	// Error
	ErrMessage string

	// Data
	Data []byte
}

// Connect builds a Connect message.
func Connect(host string, port uint16) Message {
	return Message{Tag: TagConnect, Host: host, Port: port}
}

// Connected builds a Connected message.
func Connected() Message {
	return Message{Tag: TagConnected}
}

// Err builds an Error message.
func Err(msg string) Message {
	return Message{Tag: TagError, ErrMessage: msg}
}

// DataMsg builds a Data message. b is not copied.
func DataMsg(b []byte) Message {
	return Message{Tag: TagData, Data: b}
}

// Close builds a Close message.
func Close() Message {
	return Message{Tag: TagClose}
}
