// Package protocol frames packets on byte-stream transports (plain TCP peers).
//
// Websocket transports already preserve message boundaries and send one packet
// per text frame. A raw stream does not, so every packet is prefixed with a fixed
// 10-byte header carrying its body length.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...    │
//	│ drp  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "drp" (duplex-rpc protocol).
const (
	MagicNumber byte = 0x64 // 'd'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// MaxBodyLen bounds a single packet so a corrupt length cannot force a huge allocation.
	MaxBodyLen uint32 = 64 * 1024 * 1024
)

// MsgType distinguishes packet and heartbeat frames.
type MsgType byte

const (
	MsgTypePacket    MsgType = 0 // Encoded message.Packet
	MsgTypeHeartbeat MsgType = 1 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON byte = 0
)

// Header represents the fixed frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different flushes will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// a single write keeps header and body together on the wire
	_, err := w.Write(buf)
	return err
}

// EncodePacket writes a packet frame.
func EncodePacket(w io.Writer, codecType byte, body []byte) error {
	return Encode(w, &Header{CodecType: codecType, MsgType: MsgTypePacket}, body)
}

// EncodeHeartbeat writes an empty heartbeat frame.
func EncodeHeartbeat(w io.Writer) error {
	return Encode(w, &Header{MsgType: MsgTypeHeartbeat}, nil)
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType != byte(MsgTypePacket) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		BodyLen:   bodyLen,
	}, body, nil
}
