// Package wire implements the distribution layer's versioned, tagged
// binary encoding (spec §4.9): every primitive and composite value the
// source language exposes, modulo functions/closures, which are
// rejected rather than encoded.
//
// There is no compiler front end in this repository to generate a
// schema from, so this is hand-rolled rather than built on a
// general-purpose schema library (protobuf, msgpack-with-schema):
// doing otherwise would mean fabricating a .proto file that
// corresponds to nothing in the language's actual type system.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/meshlang/actor/internal/pid"
)

// Version is the single version byte every encoded value is prefixed
// with (spec §4.9 "Each encoding begins with a single version byte").
const Version byte = 1

// Tag identifies the shape of the body that follows.
type Tag byte

const (
	TagInt Tag = iota
	TagFloat
	TagBool
	TagString
	TagUnit
	TagPid
	TagList
	TagSet
	TagTuple
	TagMap
	TagStruct
	TagUnion
	TagOptionNone
	TagOptionSome
	TagResultOk
	TagResultErr
)

// Unit is the zero-length-body value (spec §4.9 "Unit: zero-length body").
type Unit struct{}

// Tuple is a fixed-arity, heterogeneous sequence.
type Tuple []any

// Set is an unordered collection, encoded identically to a list (spec
// doesn't distinguish set/list wire shape beyond the tag byte, which
// matters to the decoder's target type, not the bytes).
type Set []any

// MapEntry is one key/value pair of a Map.
type MapEntry struct {
	Key   any
	Value any
}

// Map is an ordered sequence of key/value pairs (spec: "length prefix
// plus key type tag plus key/value pairs").
type Map []MapEntry

// Field is one name/value pair of a Struct or Union.
type Field struct {
	Name  string
	Value any
}

// Struct is a named product type: tag-name string, field count, then
// field-name + field-value pairs.
type Struct struct {
	Name   string
	Fields []Field
}

// Union is a named sum-type case, encoded exactly like Struct but
// tagged TagUnion so a decoder that cares can tell them apart.
type Union struct {
	Name   string
	Fields []Field
}

// Option represents the source language's Option/Maybe type.
type Option struct {
	Some  bool
	Value any // meaningful only when Some
}

// Result represents the source language's Result/Either type.
type Result struct {
	Ok    bool
	Value any // the Ok payload or the Err payload, per Ok
}

// Func is a sentinel type a caller may pass to provoke
// ErrNotSerializable in tests; ordinary Go closures trigger the same
// error via the default case in encodeValue.
type Func struct{}

// ErrNotSerializable is returned by Encode when the value (or a value
// nested inside it) is a function/closure (spec §4.9).
var ErrNotSerializable = fmt.Errorf("wire: functions and closures are not serializable")

// ErrSizeLimitExceeded is returned when an encode or decode would
// exceed the configured maximum payload size (spec §6 "Max message
// size for distribution").
type ErrSizeLimitExceeded struct {
	Limit int
}

func (e *ErrSizeLimitExceeded) Error() string {
	return fmt.Sprintf("wire: payload exceeds configured size limit of %d bytes", e.Limit)
}

// ErrUnknownTag is returned by Decode on an unrecognized type tag,
// rather than panicking on an untrusted remote payload.
type ErrUnknownTag struct {
	Tag byte
}

func (e *ErrUnknownTag) Error() string {
	return fmt.Sprintf("wire: unknown type tag %d", e.Tag)
}

// Encode renders v as a versioned, tagged binary value. maxSize caps
// the resulting payload; pass 0 for no limit (callers are expected to
// always pass the configured distribution max-message-size).
func Encode(v any, maxSize int) ([]byte, error) {
	body, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(body))
	out[0] = Version
	copy(out[1:], body)
	if maxSize > 0 && len(out) > maxSize {
		return nil, &ErrSizeLimitExceeded{Limit: maxSize}
	}
	return out, nil
}

// Decode is the inverse of Encode: decode(encode(v)) is semantically
// equal to v for every non-function v (spec §4.9 round-trip property).
func Decode(b []byte, maxSize int) (any, error) {
	if maxSize > 0 && len(b) > maxSize {
		return nil, &ErrSizeLimitExceeded{Limit: maxSize}
	}
	if len(b) < 1 {
		return nil, fmt.Errorf("wire: empty buffer")
	}
	if b[0] != Version {
		return nil, fmt.Errorf("wire: unsupported version byte %d", b[0])
	}
	v, n, err := decodeValue(b[1:])
	if err != nil {
		return nil, err
	}
	if n != len(b)-1 {
		return nil, fmt.Errorf("wire: %d trailing bytes after decoded value", len(b)-1-n)
	}
	return v, nil
}

func encodeValue(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil, Unit:
		return []byte{byte(TagUnit)}, nil
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return []byte{byte(TagBool), b}, nil
	case int:
		return encodeInt(int64(x)), nil
	case int64:
		return encodeInt(x), nil
	case int32:
		return encodeInt(int64(x)), nil
	case float64:
		buf := make([]byte, 9)
		buf[0] = byte(TagFloat)
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(x))
		return buf, nil
	case string:
		return encodeString(x), nil
	case pid.Pid:
		buf := make([]byte, 9)
		buf[0] = byte(TagPid)
		enc := pid.Encode(x)
		copy(buf[1:], enc[:])
		return buf, nil
	case Tuple:
		return encodeSeq(TagTuple, x)
	case Set:
		return encodeSeq(TagSet, x)
	case []any:
		return encodeSeq(TagList, x)
	case Map:
		return encodeMap(x)
	case Struct:
		return encodeFielded(TagStruct, x.Name, x.Fields)
	case Union:
		return encodeFielded(TagUnion, x.Name, x.Fields)
	case Option:
		if !x.Some {
			return []byte{byte(TagOptionNone)}, nil
		}
		inner, err := encodeValue(x.Value)
		if err != nil {
			return nil, err
		}
		return append([]byte{byte(TagOptionSome)}, inner...), nil
	case Result:
		tag := TagResultErr
		if x.Ok {
			tag = TagResultOk
		}
		inner, err := encodeValue(x.Value)
		if err != nil {
			return nil, err
		}
		return append([]byte{byte(tag)}, inner...), nil
	default:
		return nil, ErrNotSerializable
	}
}

func encodeInt(n int64) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(TagInt)
	binary.BigEndian.PutUint64(buf[1:], uint64(n))
	return buf
}

func encodeString(s string) []byte {
	buf := make([]byte, 5+len(s))
	buf[0] = byte(TagString)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(s)))
	copy(buf[5:], s)
	return buf
}

func encodeSeq(tag Tag, items []any) ([]byte, error) {
	out := []byte{byte(tag), 0, 0, 0, 0}
	binary.BigEndian.PutUint32(out[1:5], uint32(len(items)))
	for _, item := range items {
		enc, err := encodeValue(item)
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return out, nil
}

func encodeMap(m Map) ([]byte, error) {
	out := []byte{byte(TagMap), 0, 0, 0, 0}
	binary.BigEndian.PutUint32(out[1:5], uint32(len(m)))
	for _, entry := range m {
		k, err := encodeValue(entry.Key)
		if err != nil {
			return nil, err
		}
		v, err := encodeValue(entry.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, k...)
		out = append(out, v...)
	}
	return out, nil
}

func encodeFielded(tag Tag, name string, fields []Field) ([]byte, error) {
	out := []byte{byte(tag)}
	out = append(out, encodeString(name)...)
	countBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(countBuf, uint32(len(fields)))
	out = append(out, countBuf...)
	for _, f := range fields {
		out = append(out, encodeString(f.Name)...)
		v, err := encodeValue(f.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, v...)
	}
	return out, nil
}

// decodeValue returns the decoded value and how many bytes of b it
// consumed.
func decodeValue(b []byte) (any, int, error) {
	if len(b) < 1 {
		return nil, 0, fmt.Errorf("wire: truncated value: missing tag byte")
	}
	tag := Tag(b[0])
	switch tag {
	case TagUnit:
		return Unit{}, 1, nil
	case TagBool:
		if len(b) < 2 {
			return nil, 0, fmt.Errorf("wire: truncated bool")
		}
		return b[1] != 0, 2, nil
	case TagInt:
		if len(b) < 9 {
			return nil, 0, fmt.Errorf("wire: truncated int")
		}
		return int64(binary.BigEndian.Uint64(b[1:9])), 9, nil
	case TagFloat:
		if len(b) < 9 {
			return nil, 0, fmt.Errorf("wire: truncated float")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[1:9])), 9, nil
	case TagString:
		s, n, err := decodeString(b)
		return s, n, err
	case TagPid:
		if len(b) < 9 {
			return nil, 0, fmt.Errorf("wire: truncated pid")
		}
		var enc [8]byte
		copy(enc[:], b[1:9])
		return pid.Decode(enc), 9, nil
	case TagList, TagSet, TagTuple:
		items, n, err := decodeSeq(b)
		if err != nil {
			return nil, 0, err
		}
		switch tag {
		case TagSet:
			return Set(items), n, nil
		case TagTuple:
			return Tuple(items), n, nil
		default:
			return items, n, nil
		}
	case TagMap:
		return decodeMap(b)
	case TagStruct, TagUnion:
		name, fields, n, err := decodeFielded(b)
		if err != nil {
			return nil, 0, err
		}
		if tag == TagUnion {
			return Union{Name: name, Fields: fields}, n, nil
		}
		return Struct{Name: name, Fields: fields}, n, nil
	case TagOptionNone:
		return Option{Some: false}, 1, nil
	case TagOptionSome:
		v, n, err := decodeValue(b[1:])
		if err != nil {
			return nil, 0, err
		}
		return Option{Some: true, Value: v}, 1 + n, nil
	case TagResultOk, TagResultErr:
		v, n, err := decodeValue(b[1:])
		if err != nil {
			return nil, 0, err
		}
		return Result{Ok: tag == TagResultOk, Value: v}, 1 + n, nil
	default:
		return nil, 0, &ErrUnknownTag{Tag: byte(tag)}
	}
}

func decodeString(b []byte) (string, int, error) {
	if len(b) < 5 {
		return "", 0, fmt.Errorf("wire: truncated string length")
	}
	n := int(binary.BigEndian.Uint32(b[1:5]))
	if len(b) < 5+n {
		return "", 0, fmt.Errorf("wire: truncated string body")
	}
	return string(b[5 : 5+n]), 5 + n, nil
}

func decodeSeq(b []byte) ([]any, int, error) {
	if len(b) < 5 {
		return nil, 0, fmt.Errorf("wire: truncated sequence length")
	}
	count := int(binary.BigEndian.Uint32(b[1:5]))
	out := make([]any, 0, count)
	off := 5
	for i := 0; i < count; i++ {
		v, n, err := decodeValue(b[off:])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
		off += n
	}
	return out, off, nil
}

func decodeMap(b []byte) (Map, int, error) {
	if len(b) < 5 {
		return nil, 0, fmt.Errorf("wire: truncated map length")
	}
	count := int(binary.BigEndian.Uint32(b[1:5]))
	out := make(Map, 0, count)
	off := 5
	for i := 0; i < count; i++ {
		k, n, err := decodeValue(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		v, n, err := decodeValue(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		out = append(out, MapEntry{Key: k, Value: v})
	}
	return out, off, nil
}

// decodeFielded decodes the body of a Struct/Union value: b[0] is the
// outer TagStruct/TagUnion byte, followed by a TagString-encoded name,
// a field count, and that many (TagString name, value) pairs.
func decodeFielded(b []byte) (string, []Field, int, error) {
	if len(b) < 1 {
		return "", nil, 0, fmt.Errorf("wire: truncated fielded value")
	}
	name, n, err := decodeString(b[1:])
	if err != nil {
		return "", nil, 0, err
	}
	off := 1 + n
	if len(b) < off+4 {
		return "", nil, 0, fmt.Errorf("wire: truncated field count")
	}
	count := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	fields := make([]Field, 0, count)
	for i := 0; i < count; i++ {
		fname, fn, err := decodeString(b[off:])
		if err != nil {
			return "", nil, 0, err
		}
		off += fn
		v, vn, err := decodeValue(b[off:])
		if err != nil {
			return "", nil, 0, err
		}
		off += vn
		fields = append(fields, Field{Name: fname, Value: v})
	}
	return name, fields, off, nil
}
