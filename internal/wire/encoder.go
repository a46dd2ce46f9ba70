package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// Times are stored as 100ns ticks counted from 0001-01-01 UTC.
const (
	ticksPerSecond = 10_000_000
	unixEpochSecs  = 62_135_596_800
)

func timeToTicks(t time.Time) int64 {
	return (t.Unix()+unixEpochSecs)*ticksPerSecond + int64(t.Nanosecond())/100
}

func ticksToTime(ticks int64) time.Time {
	secs := ticks / ticksPerSecond
	rem := ticks % ticksPerSecond
	return time.Unix(secs-unixEpochSecs, rem*100).UTC()
}

// Encoder writes schema-described values onto a stream.
type Encoder struct {
	w       io.Writer
	scratch [8]byte
}

// NewEncoder returns an Encoder writing to w. Writes are not buffered; wrap w
// in a bufio.Writer or use Marshal when many small writes are a concern.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Marshal encodes rec with its digest preamble into a new byte slice.
func Marshal(s *Schema, rec any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(s, rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes the digest preamble of s followed by the fields of rec.
func (e *Encoder) Encode(s *Schema, rec any) error {
	digest := s.Digest()
	if err := e.writeBytes(digest[:]); err != nil {
		return err
	}
	return e.writeFields(s, rec)
}

func (e *Encoder) writeFields(s *Schema, rec any) error {
	for _, f := range s.Fields {
		if f.Shape == nil || f.Shape.Kind == KindUnsupported || f.Get == nil {
			continue
		}
		if err := e.writeValue(f.Shape, f.Get(rec)); err != nil {
			return fmt.Errorf("%s.%s: %w", s.Name, f.Name, err)
		}
	}
	return nil
}

func (e *Encoder) writeValue(sh *Shape, v any) error {
	if sh == nil {
		return nil
	}
	switch sh.Kind {
	case KindUnsupported:
		return nil
	case KindEnum:
		return e.writeValue(sh.Elem, v)
	case KindNullable:
		if isNull(v) {
			return e.writeFlag(false)
		}
		if err := e.writeFlag(true); err != nil {
			return err
		}
		return e.writeValue(sh.Elem, v)
	case KindString:
		switch s := v.(type) {
		case string:
			return e.writeString(s)
		case *string:
			if s == nil {
				return e.writeFlag(false)
			}
			return e.writeString(*s)
		case nil:
			return e.writeFlag(false)
		}
		return valueTypeError(sh, v)
	case KindBytes:
		switch b := v.(type) {
		case []byte:
			if b == nil {
				return e.writeFlag(false)
			}
			return e.writeBytes(b)
		case nil:
			return e.writeFlag(false)
		}
		return valueTypeError(sh, v)
	case KindSequence:
		return e.writeSequence(sh, v)
	case KindRecord:
		if v == nil {
			return e.writeFlag(false)
		}
		if err := e.writeFlag(true); err != nil {
			return err
		}
		return e.writeFields(sh.Schema, v)
	case KindStruct:
		return e.writeFields(sh.Schema, v)
	case KindTime:
		t, ok := v.(time.Time)
		if !ok {
			return valueTypeError(sh, v)
		}
		binary.LittleEndian.PutUint64(e.scratch[:], uint64(timeToTicks(t)))
		return e.write(e.scratch[:8])
	}
	return e.writeFixed(sh, v)
}

func (e *Encoder) writeFixed(sh *Shape, v any) error {
	b := e.scratch[:sh.Kind.fixedSize()]
	switch x := v.(type) {
	case int8:
		if sh.Kind != KindInt8 {
			return valueTypeError(sh, v)
		}
		b[0] = byte(x)
	case uint8:
		if sh.Kind != KindUint8 {
			return valueTypeError(sh, v)
		}
		b[0] = x
	case bool:
		if sh.Kind != KindBool {
			return valueTypeError(sh, v)
		}
		b[0] = 0
		if x {
			b[0] = 1
		}
	case int16:
		if sh.Kind != KindInt16 {
			return valueTypeError(sh, v)
		}
		binary.LittleEndian.PutUint16(b, uint16(x))
	case uint16:
		if sh.Kind != KindUint16 {
			return valueTypeError(sh, v)
		}
		binary.LittleEndian.PutUint16(b, x)
	case int32:
		if sh.Kind != KindInt32 {
			return valueTypeError(sh, v)
		}
		binary.LittleEndian.PutUint32(b, uint32(x))
	case uint32:
		if sh.Kind != KindUint32 {
			return valueTypeError(sh, v)
		}
		binary.LittleEndian.PutUint32(b, x)
	case float32:
		if sh.Kind != KindFloat32 {
			return valueTypeError(sh, v)
		}
		binary.LittleEndian.PutUint32(b, math.Float32bits(x))
	case int64:
		if sh.Kind != KindInt64 {
			return valueTypeError(sh, v)
		}
		binary.LittleEndian.PutUint64(b, uint64(x))
	case uint64:
		if sh.Kind != KindUint64 {
			return valueTypeError(sh, v)
		}
		binary.LittleEndian.PutUint64(b, x)
	case float64:
		if sh.Kind != KindFloat64 {
			return valueTypeError(sh, v)
		}
		binary.LittleEndian.PutUint64(b, math.Float64bits(x))
	default:
		return valueTypeError(sh, v)
	}
	return e.write(b)
}

func (e *Encoder) writeSequence(sh *Shape, v any) error {
	items, ok := v.([]any)
	if !ok {
		if v == nil {
			return e.writeFlag(false)
		}
		return valueTypeError(sh, v)
	}
	if items == nil {
		return e.writeFlag(false)
	}
	if sh.Elem == nil || sh.Elem.Kind == KindUnsupported {
		return fmt.Errorf("%w: unsupported element shape", ErrHeterogeneousSequence)
	}
	for i, item := range items {
		if !fits(sh.Elem, item) {
			return fmt.Errorf("%w: element %d is %T, want %s", ErrHeterogeneousSequence, i, item, sh.Elem.signature())
		}
	}
	if err := e.writeFlag(true); err != nil {
		return err
	}
	if err := e.writeLength(len(items)); err != nil {
		return err
	}
	for _, item := range items {
		if err := e.writeValue(sh.Elem, item); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) writeString(s string) error {
	if err := e.writeFlag(true); err != nil {
		return err
	}
	if err := e.writeLength(len(s)); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) writeBytes(b []byte) error {
	if err := e.writeFlag(true); err != nil {
		return err
	}
	if err := e.writeLength(len(b)); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return e.write(b)
}

func (e *Encoder) writeLength(n int) error {
	if n > math.MaxInt32 {
		return fmt.Errorf("%w: %d exceeds int32", ErrInvalidLength, n)
	}
	binary.LittleEndian.PutUint32(e.scratch[:4], uint32(int32(n)))
	return e.write(e.scratch[:4])
}

func (e *Encoder) writeFlag(present bool) error {
	e.scratch[0] = 0
	if present {
		e.scratch[0] = 1
	}
	return e.write(e.scratch[:1])
}

func (e *Encoder) write(b []byte) error {
	_, err := e.w.Write(b)
	return err
}

// isNull reports whether v is the untyped nil or a nil byte slice / string pointer.
func isNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []byte:
		return x == nil
	case *string:
		return x == nil
	case []any:
		return x == nil
	}
	return false
}

// fits reports whether v can be written with shape sh without a type error.
func fits(sh *Shape, v any) bool {
	if sh == nil {
		return false
	}
	switch sh.Kind {
	case KindEnum:
		return fits(sh.Elem, v)
	case KindNullable:
		return isNull(v) || fits(sh.Elem, v)
	case KindString:
		switch v.(type) {
		case nil, string, *string:
			return true
		}
		return false
	case KindBytes:
		switch v.(type) {
		case nil, []byte:
			return true
		}
		return false
	case KindSequence:
		switch v.(type) {
		case nil, []any:
			return true
		}
		return false
	case KindRecord:
		return true
	case KindStruct:
		return v != nil
	case KindTime:
		_, ok := v.(time.Time)
		return ok
	case KindInt8:
		_, ok := v.(int8)
		return ok
	case KindInt16:
		_, ok := v.(int16)
		return ok
	case KindInt32:
		_, ok := v.(int32)
		return ok
	case KindInt64:
		_, ok := v.(int64)
		return ok
	case KindUint8:
		_, ok := v.(uint8)
		return ok
	case KindUint16:
		_, ok := v.(uint16)
		return ok
	case KindUint32:
		_, ok := v.(uint32)
		return ok
	case KindUint64:
		_, ok := v.(uint64)
		return ok
	case KindFloat32:
		_, ok := v.(float32)
		return ok
	case KindFloat64:
		_, ok := v.(float64)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	}
	return false
}
