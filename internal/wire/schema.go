package wire

import (
	"crypto/md5"
	"strings"
	"sync"
)

// DigestSize is the length of the schema digest written before every value.
const DigestSize = md5.Size

// Field is one member of a composite, encoded in declaration order.
//
// Get extracts the field value from a record; Set stores a decoded value
// into a record. Both receive the same record value the caller passed to
// Encode or Decode (for Decode, normally a pointer).
type Field struct {
	Name  string
	Shape *Shape
	Get   func(rec any) any
	Set   func(rec any, v any) error
}

// Schema is the ordered field layout of a composite type.
//
// New allocates an empty record for nested Record/Struct fields while
// decoding; Unwrap converts that allocation into the value stored by the
// parent's Set (for example dereferencing a pointer). Both may be nil for
// schemas only used at the top level.
type Schema struct {
	Name   string
	ID     string
	Fields []Field
	New    func() any
	Unwrap func(rec any) any

	once   sync.Once
	digest [DigestSize]byte
}

// Identifier returns the canonical schema identifier: ID when set, otherwise
// the name followed by the ordered field layout.
func (s *Schema) Identifier() string {
	if s.ID != "" {
		return s.ID
	}
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte('{')
	for i, f := range s.Fields {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(f.Name)
		b.WriteByte(':')
		b.WriteString(f.Shape.signature())
	}
	b.WriteByte('}')
	return b.String()
}

// Digest returns the MD5 digest of Identifier, computed once.
func (s *Schema) Digest() [DigestSize]byte {
	s.once.Do(func() {
		s.digest = md5.Sum([]byte(s.Identifier()))
	})
	return s.digest
}
