package codec

import (
	"encoding/json"
	"testing"

	"duplex-rpc/message"
)

// JSON 编解码性能（不走网络，纯 codec）
func BenchmarkCodecJSON(b *testing.B) {
	cdc := GetCodec(CodecTypeJSON)
	p := message.NewPacket()
	p.Calls = append(p.Calls, message.Call{ID: 1, Fun: "add", Args: json.RawMessage(`{"A":1,"B":2}`)})
	p.Replies = append(p.Replies, message.NewValueReply(7, json.RawMessage(`3`)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(p)
		cdc.Decode(data)
	}
}
