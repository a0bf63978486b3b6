package resp

import (
	"bytes"
	"errors"
	"io"
	"math"
	"strconv"
	"sync"
)

// ErrRESP3Value is returned when a RESP3-only value is encoded for a RESP2
// peer.
var ErrRESP3Value = errors.New("resp: value not representable in RESP2")

// Buffer pool for building command frames
var bufferPool = sync.Pool{
	New: func() any {
		// a typical command is well under this
		return bytes.NewBuffer(make([]byte, 0, 256))
	},
}

func getBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1<<16 {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// WriteCommand serializes a command as an array of bulk strings and writes
// it to w in a single Write call. This is the only request form the client
// ever emits; the inline text form is never used.
//
// Format: *N\r\n$L\r\n<arg>\r\n...
func WriteCommand(w io.Writer, args ...[]byte) error {
	buf := getBuffer()
	defer putBuffer(buf)

	AppendCommand(buf, args...)
	_, err := w.Write(buf.Bytes())
	return err
}

// AppendCommand appends the encoded command frame to buf.
func AppendCommand(buf *bytes.Buffer, args ...[]byte) {
	buf.WriteByte(byte(TypeArray))
	buf.WriteString(strconv.Itoa(len(args)))
	buf.Write(crlf)
	for _, arg := range args {
		buf.WriteByte(byte(TypeBulkString))
		buf.WriteString(strconv.Itoa(len(arg)))
		buf.Write(crlf)
		buf.Write(arg)
		buf.Write(crlf)
	}
}

// Encoder writes Reply values in wire form. It is used by test servers and
// by the codec round-trip tests; the client itself only emits commands.
//
// Proto selects the protocol version: under 2, RESP3-only types are
// rejected with ErrRESP3Value rather than silently downgraded.
type Encoder struct {
	w     io.Writer
	Proto int
}

// NewEncoder returns an Encoder targeting the given protocol version (2 or 3).
func NewEncoder(w io.Writer, proto int) *Encoder {
	return &Encoder{w: w, Proto: proto}
}

// Encode writes one reply frame.
func (e *Encoder) Encode(r *Reply) error {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := e.append(buf, r); err != nil {
		return err
	}
	_, err := e.w.Write(buf.Bytes())
	return err
}

func (e *Encoder) append(buf *bytes.Buffer, r *Reply) error {
	switch r.Type {
	case TypeSimpleString, TypeError, TypeBigNumber:
		if r.Type == TypeBigNumber && e.Proto < 3 {
			return ErrRESP3Value
		}
		buf.WriteByte(byte(r.Type))
		buf.Write(r.Str)
		buf.Write(crlf)
		return nil

	case TypeInteger:
		buf.WriteByte(byte(TypeInteger))
		buf.WriteString(strconv.FormatInt(r.Int, 10))
		buf.Write(crlf)
		return nil

	case TypeBulkString:
		if r.Nil {
			buf.WriteString("$-1\r\n")
			return nil
		}
		appendBulk(buf, r.Str)
		return nil

	case TypeArray:
		if r.Nil {
			buf.WriteString("*-1\r\n")
			return nil
		}
		return e.appendAggregate(buf, TypeArray, len(r.Elems), r.Elems)

	case TypeNull:
		if e.Proto < 3 {
			return ErrRESP3Value
		}
		buf.WriteString("_\r\n")
		return nil

	case TypeDouble:
		if e.Proto < 3 {
			return ErrRESP3Value
		}
		buf.WriteByte(byte(TypeDouble))
		buf.WriteString(formatDouble(r.Double))
		buf.Write(crlf)
		return nil

	case TypeBoolean:
		if e.Proto < 3 {
			return ErrRESP3Value
		}
		if r.Bool {
			buf.WriteString("#t\r\n")
		} else {
			buf.WriteString("#f\r\n")
		}
		return nil

	case TypeVerbatim:
		if e.Proto < 3 {
			return ErrRESP3Value
		}
		buf.WriteByte(byte(TypeVerbatim))
		buf.WriteString(strconv.Itoa(len(r.Str) + 4))
		buf.Write(crlf)
		format := r.Format
		if len(format) != 3 {
			format = "txt"
		}
		buf.WriteString(format)
		buf.WriteByte(':')
		buf.Write(r.Str)
		buf.Write(crlf)
		return nil

	case TypeMap:
		if e.Proto < 3 {
			return ErrRESP3Value
		}
		return e.appendAggregate(buf, TypeMap, len(r.Elems)/2, r.Elems)

	case TypeSet:
		if e.Proto < 3 {
			return ErrRESP3Value
		}
		return e.appendAggregate(buf, TypeSet, len(r.Elems), r.Elems)

	case TypePush:
		if e.Proto < 3 {
			return ErrRESP3Value
		}
		return e.appendAggregate(buf, TypePush, len(r.Elems), r.Elems)
	}

	return ErrInvalidPrefix
}

func (e *Encoder) appendAggregate(buf *bytes.Buffer, typ Type, n int, elems []*Reply) error {
	buf.WriteByte(byte(typ))
	buf.WriteString(strconv.Itoa(n))
	buf.Write(crlf)
	for _, el := range elems {
		if err := e.append(buf, el); err != nil {
			return err
		}
	}
	return nil
}

func appendBulk(buf *bytes.Buffer, b []byte) {
	buf.WriteByte(byte(TypeBulkString))
	buf.WriteString(strconv.Itoa(len(b)))
	buf.Write(crlf)
	buf.Write(b)
	buf.Write(crlf)
}

func formatDouble(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// EncodeValue writes an arbitrary Go value as a reply frame, the way a
// server would. It is a convenience for test handlers.
//
// Supported: nil, string and []byte (bulk), SimpleString, Error, Push,
// int/int64, float64, bool, []string, []any and map[string]string.
func EncodeValue(w io.Writer, proto int, v any) error {
	enc := NewEncoder(w, proto)
	r, err := fromValue(v, proto)
	if err != nil {
		return err
	}
	return enc.Encode(r)
}

// SimpleString marks a string to be encoded as a simple string rather than
// the default bulk form. Use it as a type conversion in test handlers.
type SimpleString string

// Error marks a string to be encoded as an error reply. It must not
// contain \r or \n.
type Error string

// Push marks a value slice to be encoded as a RESP3 push frame.
type Push []any

func fromValue(v any, proto int) (*Reply, error) {
	switch v := v.(type) {
	case nil:
		return &Reply{Type: TypeBulkString, Nil: true}, nil
	case SimpleString:
		return &Reply{Type: TypeSimpleString, Str: []byte(v)}, nil
	case Error:
		return &Reply{Type: TypeError, Str: []byte(v)}, nil
	case string:
		return &Reply{Type: TypeBulkString, Str: []byte(v)}, nil
	case []byte:
		return &Reply{Type: TypeBulkString, Str: v}, nil
	case int:
		return &Reply{Type: TypeInteger, Int: int64(v)}, nil
	case int64:
		return &Reply{Type: TypeInteger, Int: v}, nil
	case float64:
		if proto < 3 {
			return &Reply{Type: TypeBulkString, Str: []byte(formatDouble(v))}, nil
		}
		return &Reply{Type: TypeDouble, Double: v}, nil
	case bool:
		if proto < 3 {
			n := int64(0)
			if v {
				n = 1
			}
			return &Reply{Type: TypeInteger, Int: n}, nil
		}
		return &Reply{Type: TypeBoolean, Bool: v}, nil
	case []string:
		elems := make([]*Reply, len(v))
		for i, s := range v {
			elems[i] = &Reply{Type: TypeBulkString, Str: []byte(s)}
		}
		return &Reply{Type: TypeArray, Elems: elems}, nil
	case []any:
		elems, err := fromValues(v, proto)
		if err != nil {
			return nil, err
		}
		return &Reply{Type: TypeArray, Elems: elems}, nil
	case Push:
		elems, err := fromValues(v, proto)
		if err != nil {
			return nil, err
		}
		// RESP2 has no push type, pub/sub traffic arrives as plain arrays
		typ := TypePush
		if proto < 3 {
			typ = TypeArray
		}
		return &Reply{Type: typ, Elems: elems}, nil
	case map[string]string:
		elems := make([]*Reply, 0, len(v)*2)
		for k, val := range v {
			elems = append(elems,
				&Reply{Type: TypeBulkString, Str: []byte(k)},
				&Reply{Type: TypeBulkString, Str: []byte(val)})
		}
		typ := TypeMap
		if proto < 3 {
			typ = TypeArray
		}
		return &Reply{Type: typ, Elems: elems}, nil
	case *Reply:
		return v, nil
	}
	return nil, ErrInvalidPrefix
}

func fromValues(vs []any, proto int) ([]*Reply, error) {
	elems := make([]*Reply, len(vs))
	for i, el := range vs {
		r, err := fromValue(el, proto)
		if err != nil {
			return nil, err
		}
		elems[i] = r
	}
	return elems, nil
}
