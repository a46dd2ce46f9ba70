// Package protocol defines the packet format carried over the tunnel.
package protocol

import "fmt"

// PacketType tags the purpose of a packet.
type PacketType uint8

const (
	TypeMessage          PacketType = 0 // payload bytes for a session
	TypeConnectionClosed PacketType = 1 // session closed by the sender, no payload
)

func (t PacketType) String() string {
	switch t {
	case TypeMessage:
		return "Message"
	case TypeConnectionClosed:
		return "ConnectionClosed"
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

// Packet is the unit of transport on the tunnel.
type Packet struct {
	SessionID int64      // assigned by the proxy server, opaque to the agent
	Type      PacketType // TypeMessage or TypeConnectionClosed
	Data      []byte     // only used for TypeMessage
}

// NewMessage returns a Message packet for the given session.
func NewMessage(sessionID int64, data []byte) *Packet {
	return &Packet{SessionID: sessionID, Type: TypeMessage, Data: data}
}

// NewConnectionClosed returns a ConnectionClosed packet for the given session.
func NewConnectionClosed(sessionID int64) *Packet {
	return &Packet{SessionID: sessionID, Type: TypeConnectionClosed}
}
