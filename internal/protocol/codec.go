package protocol

import (
	"bufio"
	"fmt"
	"io"

	"github.com/1ureka/rtun/internal/wire"
)

// ReadBufferSize is the buffered reader size used by Reader.
const ReadBufferSize = 64 * 1024

// Schema is the wire layout of Packet: SessionID, Type, Data in that order.
var Schema = &wire.Schema{
	Name: "rtun.Packet",
	Fields: []wire.Field{
		{
			Name:  "SessionId",
			Shape: wire.Int64,
			Get:   func(rec any) any { return rec.(*Packet).SessionID },
			Set: func(rec any, v any) error {
				rec.(*Packet).SessionID = v.(int64)
				return nil
			},
		},
		{
			Name:  "Type",
			Shape: wire.Enum(wire.Uint8),
			Get:   func(rec any) any { return uint8(rec.(*Packet).Type) },
			Set: func(rec any, v any) error {
				rec.(*Packet).Type = PacketType(v.(uint8))
				return nil
			},
		},
		{
			Name:  "Data",
			Shape: wire.Bytes,
			Get:   func(rec any) any { return rec.(*Packet).Data },
			Set: func(rec any, v any) error {
				if v == nil {
					rec.(*Packet).Data = nil
					return nil
				}
				b, ok := v.([]byte)
				if !ok {
					return fmt.Errorf("%w: Data holds %T", wire.ErrValueType, v)
				}
				rec.(*Packet).Data = b
				return nil
			},
		},
	},
}

// Encode serializes a Packet, including its schema preamble.
func Encode(pkt *Packet) ([]byte, error) {
	return wire.Marshal(Schema, pkt)
}

// Decode deserializes a single Packet from data.
func Decode(data []byte) (*Packet, error) {
	pkt := &Packet{}
	if err := wire.Unmarshal(data, Schema, pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Writer encodes packets directly onto a stream.
type Writer struct {
	enc *wire.Encoder
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: wire.NewEncoder(w)}
}

// WritePacket encodes pkt onto the stream.
func (w *Writer) WritePacket(pkt *Packet) error {
	return w.enc.Encode(Schema, pkt)
}

// Reader decodes consecutive packets from a stream.
type Reader struct {
	dec *wire.Decoder
}

// NewReader returns a Reader on r with a ReadBufferSize buffer.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: wire.NewDecoder(bufio.NewReaderSize(r, ReadBufferSize))}
}

// ReadPacket decodes the next packet. It returns io.EOF when the stream ends
// cleanly between packets.
func (r *Reader) ReadPacket() (*Packet, error) {
	pkt := &Packet{}
	if err := r.dec.Decode(Schema, pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}
