// Package signaling exchanges WebRTC session descriptions over a WebSocket
// and yields the resulting DataChannel as a tunnel stream.
package signaling

import "github.com/pion/webrtc/v4"

// Path is the HTTP path of the signaling endpoint.
const Path = "/signal"

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeOffer  MessageType = "offer"
	MsgTypeAnswer MessageType = "answer"
	MsgTypeError  MessageType = "error"
)

// Message is the JSON structure exchanged over the WebSocket during signaling.
// Descriptions are sent after ICE gathering, so no candidate messages exist.
type Message struct {
	Type  MessageType `json:"type"`
	SDP   string      `json:"sdp,omitempty"`
	Error string      `json:"error,omitempty"`
}

func (m Message) description() webrtc.SessionDescription {
	typ := webrtc.SDPTypeOffer
	if m.Type == MsgTypeAnswer {
		typ = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: typ, SDP: m.SDP}
}
