package proto

import (
	"encoding"
	"fmt"
	"strconv"
	"time"
)

// AppendCommand appends a command frame (an array of bulk strings: the
// command name followed by every argument) to dst. Arguments are written as
// raw bytes, so any byte sequence round-trips unchanged.
func AppendCommand(dst []byte, name string, args [][]byte) []byte {
	dst = appendHeader(dst, KindArray, len(args)+1)
	dst = appendHeader(dst, KindBulk, len(name))
	dst = append(dst, name...)
	dst = append(dst, '\r', '\n')
	for _, arg := range args {
		dst = appendHeader(dst, KindBulk, len(arg))
		dst = append(dst, arg...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}

// AppendFrame appends any frame in wire form. It is used by servers and
// tests; clients only ever send command frames.
func AppendFrame(dst []byte, f *Frame) []byte {
	switch f.Kind {
	case KindStatus, KindError, KindDouble, KindBigNumber:
		dst = append(dst, byte(f.Kind))
		dst = append(dst, f.Str...)
		return append(dst, '\r', '\n')
	case KindInteger:
		dst = append(dst, byte(f.Kind))
		dst = strconv.AppendInt(dst, f.Int, 10)
		return append(dst, '\r', '\n')
	case KindNull:
		return append(dst, '_', '\r', '\n')
	case KindBoolean:
		if f.Int != 0 {
			return append(dst, '#', 't', '\r', '\n')
		}
		return append(dst, '#', 'f', '\r', '\n')
	case KindBulk, KindBlobError, KindVerbatim:
		if f.Null {
			return appendHeader(dst, f.Kind, -1)
		}
		dst = appendHeader(dst, f.Kind, len(f.Str))
		dst = append(dst, f.Str...)
		return append(dst, '\r', '\n')
	default:
		if f.Null {
			return appendHeader(dst, f.Kind, -1)
		}
		n := len(f.Array)
		if f.Kind == KindMap || f.Kind == KindAttribute {
			n /= 2
		}
		dst = appendHeader(dst, f.Kind, n)
		for _, c := range f.Array {
			dst = AppendFrame(dst, c)
		}
		return dst
	}
}

func appendHeader(dst []byte, k Kind, n int) []byte {
	dst = append(dst, byte(k))
	dst = strconv.AppendInt(dst, int64(n), 10)
	return append(dst, '\r', '\n')
}

// Arg converts a Go value into the raw bytes of a command argument.
func Arg(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return []byte{}, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int8:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int16:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint8:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint16:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), nil
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.AppendFloat(nil, v, 'f', -1, 64), nil
	case bool:
		if v {
			return []byte{'1'}, nil
		}
		return []byte{'0'}, nil
	case time.Time:
		return v.AppendFormat(nil, time.RFC3339Nano), nil
	case time.Duration:
		return strconv.AppendInt(nil, v.Nanoseconds(), 10), nil
	case encoding.BinaryMarshaler:
		return v.MarshalBinary()
	default:
		return nil, fmt.Errorf(
			"redismux: can't marshal %T (implement encoding.BinaryMarshaler)", v)
	}
}

// Args converts every value with Arg.
func Args(vs ...interface{}) ([][]byte, error) {
	out := make([][]byte, len(vs))
	for i, v := range vs {
		b, err := Arg(v)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
