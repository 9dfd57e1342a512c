// Package live carries the wire protocol between a vango server and the
// thin client: JSON messages, their schema, optional zstd framing, a
// websocket Channel for the client and a replay Server.
package live

import (
	"encoding/json"

	"github.com/recera/vango-thin/pkg/vango/vdom"
)

// Type is the "t" discriminator of a wire message
type Type string

// Server to client
const (
	TypeBoot   Type = "boot"
	TypeFrame  Type = "frame"
	TypeJoin   Type = "join"
	TypeResume Type = "resume"
	TypeError  Type = "error"
	TypePubSub Type = "pubsub"
	TypeUpload Type = "upload"
	TypeDomReq Type = "domreq"
)

// Client to server. The client opens a session with a join carrying the
// last applied seq.
const (
	TypeEvent   Type = "evt"
	TypeAck     Type = "ack"
	TypePop     Type = "pop"
	TypeNav     Type = "nav"
	TypeDomRes  Type = "domres"
	TypeRecover Type = "recover"
)

// Error codes that mean the server no longer knows the session
const (
	CodeDeclined       = "declined"
	CodeSessionUnknown = "session_unknown"
	CodeSessionExpired = "session_expired"
)

// Location is a router location
type Location struct {
	Path string `json:"path"`
	Q    string `json:"q,omitempty"`
	Hash string `json:"hash,omitempty"`
}

// HandlerBinding replaces the handler set of one node
type HandlerBinding struct {
	Target   vdom.NodeRef       `json:"target"`
	Handlers []vdom.HandlerMeta `json:"handlers"`
}

// HandlerDelta is the handler side table of a frame
type HandlerDelta struct {
	Add []HandlerBinding `json:"add,omitempty"`
	Del []vdom.NodeRef   `json:"del,omitempty"`
}

// RefBinding registers a node under a ref id
type RefBinding struct {
	Target vdom.NodeRef `json:"target"`
	ID     string       `json:"id"`
}

// RefDelta is the ref side table of a frame
type RefDelta struct {
	Add []RefBinding `json:"add,omitempty"`
	Del []string     `json:"del,omitempty"`
}

// Message is a wire message in either direction. Which fields are set
// depends on T.
type Message struct {
	T   Type   `json:"t"`
	Sid string `json:"sid,omitempty"`
	Ver string `json:"ver,omitempty"`
	Seq int    `json:"seq,omitempty"`

	// boot, frame
	Patch    []vdom.Patch       `json:"patch,omitempty"`
	Location *Location          `json:"location,omitempty"`
	Handlers *HandlerDelta      `json:"handlers,omitempty"`
	Refs     *RefDelta          `json:"refs,omitempty"`
	Nav      *Location          `json:"nav,omitempty"`
	Effects  []json.RawMessage  `json:"effects,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`

	// join reply; false declines the session
	Ack *bool `json:"ack,omitempty"`

	// resume
	From int `json:"from,omitempty"`
	To   int `json:"to,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// pubsub, upload
	Topic string          `json:"topic,omitempty"`
	Op    string          `json:"op,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`

	// domreq, domres, upload
	ID     string         `json:"id,omitempty"`
	Ref    string         `json:"ref,omitempty"`
	Props  []string       `json:"props,omitempty"`
	Values map[string]any `json:"values,omitempty"`
	Error  string         `json:"error,omitempty"`

	// evt
	Hid     string         `json:"hid,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// pop, nav
	Path string `json:"path,omitempty"`
	Q    string `json:"q,omitempty"`
	Hash string `json:"hash,omitempty"`
}

// Declines reports whether m rejects the session: a join reply with
// ack=false or an error carrying a session code.
func (m Message) Declines() bool {
	switch m.T {
	case TypeJoin:
		return m.Ack != nil && !*m.Ack
	case TypeError:
		switch m.Code {
		case CodeDeclined, CodeSessionUnknown, CodeSessionExpired:
			return true
		}
	}
	return false
}

// Join builds the client join request
func Join(sid, ver string, lastSeq int) Message {
	return Message{T: TypeJoin, Sid: sid, Ver: ver, Seq: lastSeq}
}

// JoinReply builds the server join reply
func JoinReply(sid, ver string, ok bool) Message {
	return Message{T: TypeJoin, Sid: sid, Ver: ver, Ack: &ok}
}

// Event builds an evt message
func Event(sid, hid string, payload map[string]any) Message {
	return Message{T: TypeEvent, Sid: sid, Hid: hid, Payload: payload}
}

// Ack builds an ack for the highest applied seq
func Ack(sid string, seq int) Message {
	return Message{T: TypeAck, Sid: sid, Seq: seq}
}

// Navigate builds a nav or pop message
func Navigate(t Type, sid string, loc Location) Message {
	return Message{T: t, Sid: sid, Path: loc.Path, Q: loc.Q, Hash: loc.Hash}
}

// DomResult builds a domres reply. A non-nil err replaces the values.
func DomResult(id string, values map[string]any, err error) Message {
	if err != nil {
		return Message{T: TypeDomRes, ID: id, Error: err.Error()}
	}
	return Message{T: TypeDomRes, ID: id, Values: values}
}

// Recover asks the server to resend from the last acknowledged frame
func Recover(sid string) Message {
	return Message{T: TypeRecover, Sid: sid}
}
