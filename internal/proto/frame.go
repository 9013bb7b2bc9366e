package proto

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	errNotInteger = errors.New("redismux: reply is not an integer")
	errNotFloat   = errors.New("redismux: reply is not a number")
	errNotString  = errors.New("redismux: reply is not a string")
	errNotArray   = errors.New("redismux: reply is not an array")
)

// Frame is one fully parsed RESP value. Frames own their bytes: nothing in
// a Frame aliases the connection's read buffer.
type Frame struct {
	Kind Kind

	// Str holds the payload of status, error, bulk, verbatim, double and
	// big-number frames.
	Str []byte
	// Int holds integer frames and booleans (0 or 1).
	Int int64
	// Array holds the children of array, set and push frames. Map and
	// attribute frames store key/value pairs flattened: k0, v0, k1, v1...
	Array []*Frame
	// Null marks $-1, *-1 and the RESP3 null. Zero-length payloads are not null.
	Null bool
	// Attrs are the flattened RESP3 attributes that preceded this frame.
	Attrs []*Frame
}

func NewStatus(s string) *Frame     { return &Frame{Kind: KindStatus, Str: []byte(s)} }
func NewError(s string) *Frame      { return &Frame{Kind: KindError, Str: []byte(s)} }
func NewInteger(n int64) *Frame     { return &Frame{Kind: KindInteger, Int: n} }
func NewBulk(b []byte) *Frame       { return &Frame{Kind: KindBulk, Str: b} }
func NewNullBulk() *Frame           { return &Frame{Kind: KindBulk, Null: true} }
func NewArray(fs ...*Frame) *Frame  { return &Frame{Kind: KindArray, Array: fs} }
func NewPush(fs ...*Frame) *Frame   { return &Frame{Kind: KindPush, Array: fs} }
func NewBulkString(s string) *Frame { return NewBulk([]byte(s)) }

// IsError reports whether the frame is an error reply (simple or blob).
func (f *Frame) IsError() bool {
	return f != nil && (f.Kind == KindError || f.Kind == KindBlobError)
}

// IsNull reports a null bulk, null array or RESP3 null.
func (f *Frame) IsNull() bool {
	return f == nil || f.Null || f.Kind == KindNull
}

// IsPush reports an out-of-band RESP3 push frame.
func (f *Frame) IsPush() bool {
	return f != nil && f.Kind == KindPush
}

// Err returns the typed error carried by an error frame, or nil.
func (f *Frame) Err() error {
	if !f.IsError() {
		return nil
	}
	return ParseErrorReply(f.Str)
}

// Text returns the frame payload as a string.
func (f *Frame) Text() (string, error) {
	if f == nil {
		return "", errNotString
	}
	switch f.Kind {
	case KindStatus, KindBulk, KindVerbatim, KindDouble, KindBigNumber:
		if f.Null {
			return "", Nil
		}
		return string(f.Str), nil
	case KindInteger:
		return strconv.FormatInt(f.Int, 10), nil
	case KindNull:
		return "", Nil
	case KindError, KindBlobError:
		return "", f.Err()
	}
	return "", errNotString
}

// Int64 converts integer, boolean and numeric string frames.
func (f *Frame) Int64() (int64, error) {
	if f == nil {
		return 0, errNotInteger
	}
	switch f.Kind {
	case KindInteger, KindBoolean:
		return f.Int, nil
	case KindStatus, KindBulk, KindBigNumber:
		if f.Null {
			return 0, Nil
		}
		return strconv.ParseInt(string(f.Str), 10, 64)
	case KindNull:
		return 0, Nil
	case KindError, KindBlobError:
		return 0, f.Err()
	}
	return 0, errNotInteger
}

// Float64 converts double, integer and numeric string frames.
func (f *Frame) Float64() (float64, error) {
	if f == nil {
		return 0, errNotFloat
	}
	switch f.Kind {
	case KindInteger:
		return float64(f.Int), nil
	case KindDouble, KindStatus, KindBulk:
		if f.Null {
			return 0, Nil
		}
		switch s := string(f.Str); s {
		case "inf", "+inf":
			return math.Inf(1), nil
		case "-inf":
			return math.Inf(-1), nil
		default:
			return strconv.ParseFloat(s, 64)
		}
	case KindNull:
		return 0, Nil
	case KindError, KindBlobError:
		return 0, f.Err()
	}
	return 0, errNotFloat
}

// Slice returns the children of an aggregate frame.
func (f *Frame) Slice() ([]*Frame, error) {
	if f == nil {
		return nil, errNotArray
	}
	if f.IsError() {
		return nil, f.Err()
	}
	if f.IsNull() {
		return nil, Nil
	}
	if !f.Kind.aggregate() {
		return nil, errNotArray
	}
	return f.Array, nil
}

// Equal compares two frames structurally.
func (f *Frame) Equal(o *Frame) bool {
	if f == nil || o == nil {
		return f == o
	}
	if f.Kind != o.Kind || f.Null != o.Null || f.Int != o.Int ||
		!bytes.Equal(f.Str, o.Str) || len(f.Array) != len(o.Array) {
		return false
	}
	for i := range f.Array {
		if !f.Array[i].Equal(o.Array[i]) {
			return false
		}
	}
	return true
}

func (f *Frame) String() string {
	if f == nil {
		return "<nil>"
	}
	var sb strings.Builder
	f.format(&sb)
	return sb.String()
}

func (f *Frame) format(sb *strings.Builder) {
	switch {
	case f.Null || f.Kind == KindNull:
		sb.WriteString("(nil)")
	case f.Kind == KindInteger:
		sb.WriteString(strconv.FormatInt(f.Int, 10))
	case f.Kind == KindBoolean:
		sb.WriteString(strconv.FormatBool(f.Int != 0))
	case f.Kind.aggregate():
		sb.WriteByte('[')
		for i, c := range f.Array {
			if i > 0 {
				sb.WriteByte(' ')
			}
			c.format(sb)
		}
		sb.WriteByte(']')
	case f.IsError():
		fmt.Fprintf(sb, "(error) %s", f.Str)
	default:
		fmt.Fprintf(sb, "%q", f.Str)
	}
}
