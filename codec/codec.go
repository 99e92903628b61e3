// Package codec serializes packets for transmission. One encoded packet is one
// transport frame; transports never split or merge packets.
package codec

import "duplex-rpc/message"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(p *message.Packet) ([]byte, error)
	Decode(data []byte) (*message.Packet, error)
	Type() CodecType // 0=JSON
}

// GetCodec returns the codec for codecType, falling back to JSON.
// Only JSON exists; the type byte still travels in stream frame headers.
func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}
