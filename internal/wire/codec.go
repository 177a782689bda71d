package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrProtocolViolation is returned by Decode when a frame's length exceeds
// MaxFrameLen, its tag is unrecognized, or a string/body field is malformed.
// Callers reset the offending substream and continue serving others.
var ErrProtocolViolation = errors.New("wire: protocol violation")

// Encode writes m to w as a length-prefixed frame.
//
// Data payloads longer than MaxDataLen are rejected; callers are expected to
// fragment large buffers into successive Data frames themselves (see
// internal/relay), not rely on Encode to do it.
func Encode(w io.Writer, m Message) error {
	body, err := marshalBody(m)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameLen {
		return fmt.Errorf("wire: encode %s: body too large (%d bytes)", m.Tag, len(body))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

func marshalBody(m Message) ([]byte, error) {
	switch m.Tag {
	case TagConnect:
		if len(m.Host) > 0xFFFF {
			return nil, fmt.Errorf("wire: host too long (%d bytes)", len(m.Host))
		}
		buf := make([]byte, 1+2+len(m.Host)+2)
		buf[0] = byte(TagConnect)
		binary.BigEndian.PutUint16(buf[1:3], uint16(len(m.Host)))
		copy(buf[3:], m.Host)
		binary.BigEndian.PutUint16(buf[3+len(m.Host):], m.Port)
		return buf, nil
	case TagConnected:
		return []byte{byte(TagConnected)}, nil
	case TagError:
		if len(m.ErrMessage) > 0xFFFF {
			return nil, fmt.Errorf("wire: error message too long (%d bytes)", len(m.ErrMessage))
		}
		buf := make([]byte, 1+2+len(m.ErrMessage))
		buf[0] = byte(TagError)
		binary.BigEndian.PutUint16(buf[1:3], uint16(len(m.ErrMessage)))
		copy(buf[3:], m.ErrMessage)
		return buf, nil
	case TagData:
		if len(m.Data) > MaxDataLen {
			return nil, fmt.Errorf("wire: data frame too large (%d bytes, max %d)", len(m.Data), MaxDataLen)
		}
		buf := make([]byte, 1+len(m.Data))
		buf[0] = byte(TagData)
		copy(buf[1:], m.Data)
		return buf, nil
	case TagClose:
		return []byte{byte(TagClose)}, nil
	default:
		return nil, fmt.Errorf("wire: encode: %w: unknown tag 0x%02x", ErrProtocolViolation, byte(m.Tag))
	}
}

// Decode reads one frame from r and parses it into a Message.
//
// It returns ErrProtocolViolation (wrapped) if the frame's length exceeds
// MaxFrameLen, the tag is unrecognized, or the body is malformed for its
// tag. Any other error (typically io.EOF or a read error) is returned
// unwrapped so callers can distinguish "peer closed the connection" from "peer
// sent garbage".
func Decode(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxFrameLen {
		return Message{}, fmt.Errorf("%w: frame length %d exceeds %d", ErrProtocolViolation, length, MaxFrameLen)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}

	return unmarshalBody(body)
}

func unmarshalBody(body []byte) (Message, error) {
	if len(body) < 1 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrProtocolViolation)
	}
	tag := Tag(body[0])
	rest := body[1:]

	switch tag {
	case TagConnect:
		host, n, err := readString(rest)
		if err != nil {
			return Message{}, err
		}
		if len(rest) < n+2 {
			return Message{}, fmt.Errorf("%w: truncated Connect port", ErrProtocolViolation)
		}
		port := binary.BigEndian.Uint16(rest[n : n+2])
		return Connect(host, port), nil
	case TagConnected:
		return Connected(), nil
	case TagError:
		msg, _, err := readString(rest)
		if err != nil {
			return Message{}, err
		}
		return Err(msg), nil
	case TagData:
		if len(rest) > MaxDataLen {
			return Message{}, fmt.Errorf("%w: data frame %d bytes exceeds %d", ErrProtocolViolation, len(rest), MaxDataLen)
		}
		return DataMsg(rest), nil
	case TagClose:
		return Close(), nil
	default:
		return Message{}, fmt.Errorf("%w: unknown tag 0x%02x", ErrProtocolViolation, byte(tag))
	}
}

// readString parses a 2-byte-length-prefixed UTF-8 string from b and returns
// the string plus the number of bytes it consumed, including the 2-byte
// length prefix itself (i.e. 2+len(s)).
func readString(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, fmt.Errorf("%w: truncated string length", ErrProtocolViolation)
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+n {
		return "", 0, fmt.Errorf("%w: truncated string body", ErrProtocolViolation)
	}
	return string(b[2 : 2+n]), 2 + n, nil
}

// NewReader wraps r in a buffered reader sized for the common case of many
// small frames on one substream.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 16*1024)
}
