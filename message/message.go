// Package message defines the packet exchanged between two duplex-rpc endpoints.
//
// A Packet is the "envelope" for one transport frame. It carries every Call this
// endpoint issued since the last flush and every Reply to Calls it received from
// the counterpart, so a single frame legitimately moves traffic in both directions:
//
//	{"T":"RPC","calls":[{"id":1,"fun":"echo","args":{"n":1}}],"replies":[{"id":7,"val":true}]}
//
// Call ids are allocated per endpoint. A Reply id always refers to a Call issued
// by the other side, so ids are unique per direction, not globally.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
)

// PacketType is the only valid envelope tag.
const PacketType = "RPC"

var ErrInvalidEnvelope = errors.New("message: invalid packet envelope")

// Packet is the unit of transmission.
type Packet struct {
	T       string  `json:"T"`
	Calls   []Call  `json:"calls"`
	Replies []Reply `json:"replies"`
}

// NewPacket returns an empty, correctly tagged packet.
func NewPacket() *Packet {
	return &Packet{
		T:       PacketType,
		Calls:   []Call{},
		Replies: []Reply{},
	}
}

// Empty reports whether the packet carries neither Calls nor Replies.
func (p *Packet) Empty() bool {
	return len(p.Calls) == 0 && len(p.Replies) == 0
}

// Call is an outbound request naming an operation.
//
//   - ID:   allocated from the issuing endpoint's counter, starting at 1
//   - Fun:  key into the receiver's capability table
//   - Args: opaque argument payload, decoded by the handler
type Call struct {
	ID   uint64          `json:"id"`
	Fun  string          `json:"fun"`
	Args json.RawMessage `json:"args,omitempty"`

	badFun bool
}

// HasValidFun reports whether the decoded "fun" field was a JSON string.
func (c Call) HasValidFun() bool {
	return !c.badFun
}

// Reply answers a Call issued by the counterpart.
// Exactly one of Val / Error is meaningful; a present Error signals failure.
type Reply struct {
	ID    uint64          `json:"id"`
	Val   json.RawMessage `json:"val,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

// NewValueReply builds a successful Reply.
func NewValueReply(id uint64, val json.RawMessage) Reply {
	return Reply{ID: id, Val: val}
}

// NewErrorReply builds a failed Reply carrying msg as a JSON string.
func NewErrorReply(id uint64, msg string) Reply {
	raw, _ := json.Marshal(msg)
	return Reply{ID: id, Error: raw}
}

// Failed reports whether the reply carries an error. null, false, 0 and ""
// are treated as "no error" so that peers which always send the field work.
func (r Reply) Failed() bool {
	e := bytes.TrimSpace(r.Error)
	switch string(e) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

// ErrorText returns the error as presentable text: the string itself when the
// error is a JSON string, the raw JSON otherwise.
func (r Reply) ErrorText() string {
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(r.Error))
}

type wirePacket struct {
	T       *string         `json:"T"`
	Calls   json.RawMessage `json:"calls"`
	Replies json.RawMessage `json:"replies"`
}

type wireCall struct {
	ID   json.RawMessage `json:"id"`
	Fun  json.RawMessage `json:"fun"`
	Args json.RawMessage `json:"args"`
}

type wireReply struct {
	ID    json.RawMessage `json:"id"`
	Val   json.RawMessage `json:"val"`
	Error json.RawMessage `json:"error"`
}

// UnmarshalJSON decodes a packet leniently: a calls or replies field that is
// not an array is ignored, a call or reply that is not an object or whose id is
// not a number is dropped on its own, and a call whose fun is not a string is
// kept but flagged. Only the envelope tag is checked strictly, by Validate.
func (p *Packet) UnmarshalJSON(data []byte) error {
	var w wirePacket
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.T = ""
	if w.T != nil {
		p.T = *w.T
	}
	p.Calls = []Call{}
	p.Replies = []Reply{}

	for _, entry := range entries(w.Calls) {
		var rc wireCall
		if err := json.Unmarshal(entry, &rc); err != nil {
			continue
		}
		id, ok := decodeID(rc.ID)
		if !ok {
			continue
		}
		call := Call{ID: id, Args: rc.Args}
		if err := json.Unmarshal(rc.Fun, &call.Fun); err != nil {
			call.badFun = true
		}
		p.Calls = append(p.Calls, call)
	}
	for _, entry := range entries(w.Replies) {
		var rr wireReply
		if err := json.Unmarshal(entry, &rr); err != nil {
			continue
		}
		id, ok := decodeID(rr.ID)
		if !ok {
			continue
		}
		p.Replies = append(p.Replies, Reply{ID: id, Val: rr.Val, Error: rr.Error})
	}
	return nil
}

// entries splits a JSON array into its elements. Anything else yields nothing.
func entries(raw json.RawMessage) []json.RawMessage {
	if !isArray(raw) {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return list
}

func decodeID(raw json.RawMessage) (uint64, bool) {
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

// Validate checks the envelope tag.
func (p *Packet) Validate() error {
	if p == nil || p.T != PacketType {
		return ErrInvalidEnvelope
	}
	return nil
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}
