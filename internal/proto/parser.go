package proto

import (
	"bytes"
	"fmt"
)

// ProtocolError reports a stream that can no longer be framed. It is fatal
// for the connection that produced it.
type ProtocolError struct {
	Offset int
	msg    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("redismux: protocol error at offset %d: %s", e.Offset, e.msg)
}

func protocolErrorf(off int, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Offset: off, msg: fmt.Sprintf(format, args...)}
}

// TryParse decodes the first complete frame in b.
//
// It returns the number of bytes the frame occupied and the frame. When b
// holds only a prefix of a frame TryParse returns (0, nil, nil) and the
// caller should retry once more bytes arrived. A non-nil error is always a
// *ProtocolError. TryParse never retains b.
func TryParse(b []byte) (int, *Frame, error) {
	p := parser{buf: b}
	f, ok, err := p.frame(0)
	if err != nil || !ok {
		return 0, nil, err
	}
	return p.pos, f, nil
}

// Scanner finds where the first frame of a growing buffer ends without
// building it. Progress is kept between calls, so a frame that arrives over
// many reads is scanned once. The zero value is ready to use.
type Scanner struct {
	pos  int
	open []int // elements still owed per open aggregate
}

// Next returns the size of the first frame in b once all of it is
// present, and (0, false, nil) before that. Until it reports a frame, every
// call must pass the same frame start with at least the bytes of the
// previous call. The payload is only validated by TryParse.
func (s *Scanner) Next(b []byte) (int, bool, error) {
	if len(s.open) == 0 {
		s.pos = 0
		s.open = append(s.open, 1)
	}
	for len(s.open) > 0 {
		start := s.pos
		i := bytes.IndexByte(b[start:], '\n')
		if i < 0 {
			return 0, false, nil
		}
		end := start + i
		if i == 0 || b[end-1] != '\r' {
			return 0, false, s.fail(protocolErrorf(end, "line is not CRLF terminated"))
		}
		line := b[start : end-1]
		if len(line) == 0 {
			return 0, false, s.fail(protocolErrorf(start, "empty line"))
		}
		next := end + 1

		children := 0
		switch kind := Kind(line[0]); kind {
		case KindStatus, KindError, KindDouble, KindBigNumber, KindInteger, KindNull, KindBoolean:
		case KindBulk, KindBlobError, KindVerbatim:
			n, err := parseLength(start, line[1:], MaxBulkLen)
			if err != nil {
				return 0, false, s.fail(err)
			}
			if n >= 0 {
				if len(b)-next < n+2 {
					return 0, false, nil
				}
				next += n + 2
			}
		case KindArray, KindSet, KindPush, KindMap, KindAttribute:
			n, err := parseLength(start, line[1:], MaxArrayLen)
			if err != nil {
				return 0, false, s.fail(err)
			}
			if n > 0 {
				children = n
				if kind == KindMap || kind == KindAttribute {
					children *= 2
				}
			}
			if kind == KindAttribute {
				// the annotated frame follows
				s.open[len(s.open)-1]++
			}
		default:
			return 0, false, s.fail(protocolErrorf(start, "unknown frame type %q", line[0]))
		}

		s.pos = next
		s.open[len(s.open)-1]--
		if children > 0 {
			if len(s.open) > maxDepth {
				return 0, false, s.fail(protocolErrorf(start, "nesting deeper than %d", maxDepth))
			}
			s.open = append(s.open, children)
		}
		for len(s.open) > 0 && s.open[len(s.open)-1] == 0 {
			s.open = s.open[:len(s.open)-1]
		}
	}
	size := s.pos
	s.pos = 0
	return size, true, nil
}

// Reset discards the progress on a partly scanned frame.
func (s *Scanner) Reset() {
	s.pos = 0
	s.open = s.open[:0]
}

func (s *Scanner) fail(err error) error {
	s.Reset()
	return err
}

type parser struct {
	buf []byte
	pos int
}

// line returns the next CRLF-terminated line without its terminator.
func (p *parser) line() ([]byte, bool, error) {
	i := bytes.IndexByte(p.buf[p.pos:], '\n')
	if i < 0 {
		return nil, false, nil
	}
	end := p.pos + i
	if i == 0 || p.buf[end-1] != '\r' {
		return nil, false, protocolErrorf(end, "line is not CRLF terminated")
	}
	line := p.buf[p.pos : end-1]
	p.pos = end + 1
	return line, true, nil
}

func (p *parser) frame(depth int) (*Frame, bool, error) {
	if depth > maxDepth {
		return nil, false, protocolErrorf(p.pos, "nesting deeper than %d", maxDepth)
	}
	if p.pos >= len(p.buf) {
		return nil, false, nil
	}
	start := p.pos
	line, ok, err := p.line()
	if err != nil || !ok {
		return nil, false, err
	}
	if len(line) == 0 {
		return nil, false, protocolErrorf(start, "empty line")
	}

	f := &Frame{Kind: Kind(line[0])}
	body := line[1:]

	switch f.Kind {
	case KindStatus, KindError, KindDouble, KindBigNumber:
		f.Str = clone(body)
	case KindInteger:
		n, err := atoi(body)
		if err != nil {
			return nil, false, protocolErrorf(start, "bad integer %q", body)
		}
		f.Int = n
	case KindNull:
		if len(body) != 0 {
			return nil, false, protocolErrorf(start, "bad null %q", body)
		}
		f.Null = true
	case KindBoolean:
		switch string(body) {
		case "t":
			f.Int = 1
		case "f":
		default:
			return nil, false, protocolErrorf(start, "bad boolean %q", body)
		}
	case KindBulk, KindBlobError, KindVerbatim:
		n, err := parseLength(start, body, MaxBulkLen)
		if err != nil {
			return nil, false, err
		}
		if n < 0 {
			f.Null = true
			break
		}
		if len(p.buf)-p.pos < n+2 {
			return nil, false, nil
		}
		payload := p.buf[p.pos : p.pos+n]
		if p.buf[p.pos+n] != '\r' || p.buf[p.pos+n+1] != '\n' {
			return nil, false, protocolErrorf(p.pos+n, "bulk payload longer than declared %d bytes", n)
		}
		p.pos += n + 2
		f.Str = clone(payload)
		if f.Kind == KindVerbatim {
			if len(f.Str) < 4 || f.Str[3] != ':' {
				return nil, false, protocolErrorf(start, "bad verbatim string")
			}
		}
	case KindArray, KindSet, KindPush, KindMap, KindAttribute:
		n, err := parseLength(start, body, MaxArrayLen)
		if err != nil {
			return nil, false, err
		}
		if n < 0 {
			f.Null = true
			break
		}
		if f.Kind == KindMap || f.Kind == KindAttribute {
			n *= 2
		}
		f.Array = make([]*Frame, n)
		for i := range f.Array {
			child, ok, err := p.frame(depth + 1)
			if err != nil || !ok {
				return nil, false, err
			}
			f.Array[i] = child
		}
	default:
		return nil, false, protocolErrorf(start, "unknown frame type %q", line[0])
	}

	if f.Kind == KindAttribute {
		next, ok, err := p.frame(depth)
		if err != nil || !ok {
			return nil, false, err
		}
		next.Attrs = f.Array
		return next, true, nil
	}
	return f, true, nil
}

// parseLength parses a declared length; -1 means null.
func parseLength(start int, b []byte, max int) (int, error) {
	n, err := atoi(b)
	if err != nil {
		return 0, protocolErrorf(start, "bad length %q", b)
	}
	if n < -1 {
		return 0, protocolErrorf(start, "negative length %d", n)
	}
	if n > int64(max) {
		return 0, protocolErrorf(start, "length %d exceeds limit %d", n, max)
	}
	return int(n), nil
}

func atoi(b []byte) (int64, error) {
	if len(b) == 0 || len(b) > 20 {
		return 0, errNotInteger
	}
	neg := false
	i := 0
	switch b[0] {
	case '-':
		neg = true
		i++
	case '+':
		i++
	}
	if i == len(b) {
		return 0, errNotInteger
	}
	var n int64
	for ; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, errNotInteger
		}
		next := n*10 + int64(c-'0')
		if next < n {
			return 0, errNotInteger
		}
		n = next
	}
	if neg {
		n = -n
	}
	return n, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
