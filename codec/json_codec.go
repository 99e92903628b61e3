package codec

import (
	"encoding/json"

	"duplex-rpc/message"
)

// JSONCodec is the wire format every endpoint understands:
// {"T":"RPC","calls":[...],"replies":[...]}.
type JSONCodec struct{}

func (c *JSONCodec) Encode(p *message.Packet) ([]byte, error) {
	if p.Calls == nil || p.Replies == nil {
		// peers expect arrays, never null
		out := *p
		if out.Calls == nil {
			out.Calls = []message.Call{}
		}
		if out.Replies == nil {
			out.Replies = []message.Reply{}
		}
		return json.Marshal(&out)
	}
	return json.Marshal(p)
}

func (c *JSONCodec) Decode(data []byte) (*message.Packet, error) {
	p := &message.Packet{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
