// Package wire implements a self-describing binary codec driven by explicit
// schema descriptors. Every top-level value is preceded by the MD5 digest of
// its schema identifier, so a reader can refuse a stream written for a
// different layout before interpreting any field.
//
// Layout rules:
//   - fixed-width numbers are written raw, little-endian, with no prefix
//   - nullable values, strings, byte slices, sequences and reference records
//     start with one flag byte: 0 = null (nothing follows), 1 = value follows
//   - strings, byte slices and sequences carry an int32 length after the flag
//   - enums are written as their underlying integer
//   - times are written as an int64 count of 100ns ticks since 0001-01-01 UTC
//   - inline structs and the top-level record carry no flag of their own
package wire

import "fmt"

// Kind identifies the wire encoding rule of a Shape.
type Kind uint8

const (
	KindUnsupported Kind = iota
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindBool
	KindEnum
	KindTime
	KindNullable
	KindString
	KindBytes
	KindSequence
	KindRecord
	KindStruct
)

var kindNames = [...]string{
	KindUnsupported: "unsupported",
	KindInt8:        "int8",
	KindInt16:       "int16",
	KindInt32:       "int32",
	KindInt64:       "int64",
	KindUint8:       "uint8",
	KindUint16:      "uint16",
	KindUint32:      "uint32",
	KindUint64:      "uint64",
	KindFloat32:     "float32",
	KindFloat64:     "float64",
	KindBool:        "bool",
	KindEnum:        "enum",
	KindTime:        "time",
	KindNullable:    "nullable",
	KindString:      "string",
	KindBytes:       "bytes",
	KindSequence:    "sequence",
	KindRecord:      "record",
	KindStruct:      "struct",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// fixedSize returns the encoded width of a fixed-width kind, or 0.
func (k Kind) fixedSize() int {
	switch k {
	case KindInt8, KindUint8, KindBool:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64, KindTime:
		return 8
	}
	return 0
}

// Shape describes how one value is laid out on the wire.
//
// Elem is the underlying shape of an Enum (must be an integer kind), a
// Nullable or the element shape of a Sequence. Schema is the nested layout
// of a Record or Struct.
type Shape struct {
	Kind   Kind
	Elem   *Shape
	Schema *Schema
}

// Predeclared shapes for the scalar kinds.
var (
	Int8    = &Shape{Kind: KindInt8}
	Int16   = &Shape{Kind: KindInt16}
	Int32   = &Shape{Kind: KindInt32}
	Int64   = &Shape{Kind: KindInt64}
	Uint8   = &Shape{Kind: KindUint8}
	Uint16  = &Shape{Kind: KindUint16}
	Uint32  = &Shape{Kind: KindUint32}
	Uint64  = &Shape{Kind: KindUint64}
	Float32 = &Shape{Kind: KindFloat32}
	Float64 = &Shape{Kind: KindFloat64}
	Bool    = &Shape{Kind: KindBool}
	Time    = &Shape{Kind: KindTime}
	String  = &Shape{Kind: KindString}
	Bytes   = &Shape{Kind: KindBytes}

	Unsupported = &Shape{Kind: KindUnsupported}
)

// Enum returns the shape of an enum stored as the given integer kind.
func Enum(underlying *Shape) *Shape { return &Shape{Kind: KindEnum, Elem: underlying} }

// Nullable wraps a shape with a leading null flag.
func Nullable(elem *Shape) *Shape { return &Shape{Kind: KindNullable, Elem: elem} }

// Sequence returns the shape of a homogeneous list of elem.
func Sequence(elem *Shape) *Shape { return &Shape{Kind: KindSequence, Elem: elem} }

// Record returns the shape of a composite reached through a nullable reference.
func Record(s *Schema) *Shape { return &Shape{Kind: KindRecord, Schema: s} }

// Struct returns the shape of an inline composite value.
func Struct(s *Schema) *Shape { return &Shape{Kind: KindStruct, Schema: s} }

// signature renders the canonical form of the shape used in schema identifiers.
func (sh *Shape) signature() string {
	if sh == nil {
		return KindUnsupported.String()
	}
	switch sh.Kind {
	case KindEnum, KindNullable, KindSequence:
		return fmt.Sprintf("%s<%s>", sh.Kind, sh.Elem.signature())
	case KindRecord, KindStruct:
		name := "?"
		if sh.Schema != nil {
			name = sh.Schema.Name
		}
		return fmt.Sprintf("%s<%s>", sh.Kind, name)
	}
	return sh.Kind.String()
}
