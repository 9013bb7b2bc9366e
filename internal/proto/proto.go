package proto

import "fmt"

// Kind is the RESP type byte that starts a frame.
type Kind byte

const (
	KindStatus    Kind = '+' // +<string>\r\n
	KindError     Kind = '-' // -<string>\r\n
	KindInteger   Kind = ':' // :<number>\r\n
	KindBulk      Kind = '$' // $<length>\r\n<bytes>\r\n
	KindArray     Kind = '*' // *<len>\r\n...
	KindNull      Kind = '_' // _\r\n
	KindDouble    Kind = ',' // ,<floating-point-number>\r\n
	KindBoolean   Kind = '#' // #t\r\n or #f\r\n
	KindBlobError Kind = '!' // !<length>\r\n<bytes>\r\n
	KindVerbatim  Kind = '=' // =<length>\r\nFMT:<bytes>\r\n
	KindBigNumber Kind = '(' // (<big number>\r\n
	KindMap       Kind = '%' // %<len>\r\n(key)(value)...
	KindSet       Kind = '~' // ~<len>\r\n...
	KindAttribute Kind = '|' // |<len>\r\n(key)(value)... then the real frame
	KindPush      Kind = '>' // ><len>\r\n...
)

// MaxBulkLen and MaxArrayLen bound declared lengths; anything larger is
// treated as a corrupt stream.
const (
	MaxBulkLen  = 512 * 1024 * 1024
	MaxArrayLen = 1024 * 1024
	maxDepth    = 128
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulk:
		return "bulk"
	case KindArray:
		return "array"
	case KindNull:
		return "null"
	case KindDouble:
		return "double"
	case KindBoolean:
		return "boolean"
	case KindBlobError:
		return "blob-error"
	case KindVerbatim:
		return "verbatim"
	case KindBigNumber:
		return "big-number"
	case KindMap:
		return "map"
	case KindSet:
		return "set"
	case KindAttribute:
		return "attribute"
	case KindPush:
		return "push"
	default:
		return fmt.Sprintf("unknown-0x%02x", byte(k))
	}
}

// aggregate reports whether frames of this kind carry child frames.
func (k Kind) aggregate() bool {
	switch k {
	case KindArray, KindMap, KindSet, KindAttribute, KindPush:
		return true
	}
	return false
}
