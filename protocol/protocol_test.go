package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	body := []byte(`{"T":"RPC","calls":[],"replies":[]}`)

	var buf bytes.Buffer
	if err := EncodePacket(&buf, CodecTypeJSON, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.CodecType != CodecTypeJSON {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, CodecTypeJSON)
	}
	if decodedHeader.MsgType != MsgTypePacket {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypePacket)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypePacket), 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("Error message should contain 'invalid magic', instead: %v", err)
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeHeartbeat(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeHeartbeat)
	}
	if decodedHeader.BodyLen != 0 {
		t.Errorf("BodyLen mismatch: got %d, want 0", decodedHeader.BodyLen)
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF,
		CodecTypeJSON,
		byte(MsgTypePacket),
		0, 0, 0, 0,
	})

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected an error for a bad version")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("error should mention 'unsupported version', got: %v", err)
	}
}

func TestDecodeOversizedFrame(t *testing.T) {
	header := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, byte(MsgTypePacket), 0, 0, 0, 0}
	binary.BigEndian.PutUint32(header[6:10], MaxBodyLen+1)

	_, _, err := Decode(bytes.NewReader(header))
	if err == nil {
		t.Fatal("expected an error for an oversized frame")
	}
}

func TestDecodeSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	bodies := [][]byte{[]byte("first"), nil, []byte("third")}
	for _, body := range bodies {
		if body == nil {
			if err := EncodeHeartbeat(&buf); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := EncodePacket(&buf, CodecTypeJSON, body); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range bodies {
		h, body, err := Decode(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if want == nil {
			if h.MsgType != MsgTypeHeartbeat {
				t.Fatalf("frame %d: expect heartbeat", i)
			}
			continue
		}
		if !bytes.Equal(body, want) {
			t.Fatalf("frame %d: got %q want %q", i, body, want)
		}
	}
}
