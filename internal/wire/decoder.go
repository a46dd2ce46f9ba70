package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultMaxLength bounds a single length prefix when Decoder.MaxLength is zero.
const DefaultMaxLength = 64 << 20

// Decoder reads schema-described values from a stream.
//
// The decoder does not buffer; callers reading from a socket should pass a
// bufio.Reader. After any error other than io.EOF the stream position is
// undefined and the stream must be discarded.
type Decoder struct {
	r       io.Reader
	scratch [8]byte

	// MaxLength rejects string, byte and sequence lengths above it.
	MaxLength int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Unmarshal decodes a single value of schema s from data into rec.
func Unmarshal(data []byte, s *Schema, rec any) error {
	return NewDecoder(bytes.NewReader(data)).Decode(s, rec)
}

// Decode reads the digest preamble, verifies it against s and decodes the
// fields into rec. It returns io.EOF if the stream ends before the first
// byte of the value.
func (d *Decoder) Decode(s *Schema, rec any) error {
	if _, err := io.ReadFull(d.r, d.scratch[:1]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("wire: read: %w", err)
	}
	digest, err := d.readBytesAfterFlag(d.scratch[0])
	if err != nil {
		return err
	}
	want := s.Digest()
	if digest == nil || string(digest) != string(want[:]) {
		return fmt.Errorf("%w: got %s, want %s (%s)",
			ErrSchemaMismatch, hex.EncodeToString(digest), hex.EncodeToString(want[:]), s.Identifier())
	}
	return d.readFields(s, rec)
}

func (d *Decoder) readFields(s *Schema, rec any) error {
	for _, f := range s.Fields {
		if f.Shape == nil || f.Shape.Kind == KindUnsupported {
			continue
		}
		v, err := d.readValue(f.Shape)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", s.Name, f.Name, err)
		}
		if f.Set == nil {
			continue
		}
		if err := f.Set(rec, v); err != nil {
			return fmt.Errorf("%s.%s: %w", s.Name, f.Name, err)
		}
	}
	return nil
}

func (d *Decoder) readValue(sh *Shape) (any, error) {
	if sh == nil {
		return nil, nil
	}
	switch sh.Kind {
	case KindUnsupported:
		return nil, nil
	case KindEnum:
		return d.readValue(sh.Elem)
	case KindNullable:
		present, err := d.readFlag()
		if err != nil || !present {
			return nil, err
		}
		return d.readValue(sh.Elem)
	case KindString:
		present, err := d.readFlag()
		if err != nil || !present {
			return nil, err
		}
		b, err := d.readPayload()
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case KindBytes:
		present, err := d.readFlag()
		if err != nil || !present {
			return nil, err
		}
		return d.readPayload()
	case KindSequence:
		return d.readSequence(sh)
	case KindRecord:
		present, err := d.readFlag()
		if err != nil || !present {
			return nil, err
		}
		return d.readComposite(sh.Schema)
	case KindStruct:
		return d.readComposite(sh.Schema)
	case KindTime:
		if err := d.readFull(d.scratch[:8]); err != nil {
			return nil, err
		}
		return ticksToTime(int64(binary.LittleEndian.Uint64(d.scratch[:8]))), nil
	}
	return d.readFixed(sh)
}

func (d *Decoder) readFixed(sh *Shape) (any, error) {
	n := sh.Kind.fixedSize()
	if n == 0 {
		return nil, nil
	}
	b := d.scratch[:n]
	if err := d.readFull(b); err != nil {
		return nil, err
	}
	switch sh.Kind {
	case KindInt8:
		return int8(b[0]), nil
	case KindUint8:
		return b[0], nil
	case KindBool:
		return b[0] != 0, nil
	case KindInt16:
		return int16(binary.LittleEndian.Uint16(b)), nil
	case KindUint16:
		return binary.LittleEndian.Uint16(b), nil
	case KindInt32:
		return int32(binary.LittleEndian.Uint32(b)), nil
	case KindUint32:
		return binary.LittleEndian.Uint32(b), nil
	case KindFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case KindInt64:
		return int64(binary.LittleEndian.Uint64(b)), nil
	case KindUint64:
		return binary.LittleEndian.Uint64(b), nil
	case KindFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	}
	return nil, nil
}

func (d *Decoder) readSequence(sh *Shape) (any, error) {
	present, err := d.readFlag()
	if err != nil || !present {
		return nil, err
	}
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		v, err := d.readValue(sh.Elem)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		items = append(items, v)
	}
	return items, nil
}

func (d *Decoder) readComposite(s *Schema) (any, error) {
	if s == nil {
		return nil, nil
	}
	var rec any
	if s.New != nil {
		rec = s.New()
	}
	if err := d.readFields(s, rec); err != nil {
		return nil, err
	}
	if s.Unwrap != nil {
		return s.Unwrap(rec), nil
	}
	return rec, nil
}

func (d *Decoder) readBytesAfterFlag(flag byte) ([]byte, error) {
	if flag == 0 {
		return nil, nil
	}
	return d.readPayload()
}

// readPayload reads an int32 length and that many bytes. A zero length
// yields an empty, non-nil slice.
func (d *Decoder) readPayload() ([]byte, error) {
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n == 0 {
		return b, nil
	}
	if err := d.readFull(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (d *Decoder) readLength() (int, error) {
	if err := d.readFull(d.scratch[:4]); err != nil {
		return 0, err
	}
	n := int32(binary.LittleEndian.Uint32(d.scratch[:4]))
	limit := d.MaxLength
	if limit <= 0 {
		limit = DefaultMaxLength
	}
	if n < 0 || int(n) > limit {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	return int(n), nil
}

func (d *Decoder) readFlag() (bool, error) {
	if err := d.readFull(d.scratch[:1]); err != nil {
		return false, err
	}
	return d.scratch[0] != 0, nil
}

// readFull reads exactly len(b) bytes; running out of stream inside a value
// is always a short read, even on a byte boundary.
func (d *Decoder) readFull(b []byte) error {
	n, err := io.ReadFull(d.r, b)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: want %d bytes, got %d: %w", ErrShortRead, len(b), n, io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("wire: read: %w", err)
}
