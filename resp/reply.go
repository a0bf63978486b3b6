// Package resp implements the Redis serialization protocol, versions 2 and 3.
//
// The Decoder turns a byte stream into Reply values, one per protocol frame,
// and is safe to feed arbitrarily chunked input. The encoders produce the
// client command form (an array of bulk strings) and, for test servers, the
// full value form.
//
// See https://redis.io/docs/reference/protocol-spec for the reference.
package resp

import (
	"fmt"
	"strconv"
)

// Type identifies a reply variant by its protocol marker byte.
type Type byte

const (
	TypeSimpleString Type = '+'
	TypeError        Type = '-'
	TypeInteger      Type = ':'
	TypeBulkString   Type = '$'
	TypeArray        Type = '*'

	// RESP3 extensions.
	TypeNull      Type = '_'
	TypeDouble    Type = ','
	TypeBoolean   Type = '#'
	TypeBigNumber Type = '('
	TypeVerbatim  Type = '='
	TypeMap       Type = '%'
	TypeSet       Type = '~'
	TypePush      Type = '>'

	typeAttribute Type = '|'
)

// Reply is a single decoded protocol frame. It is a closed sum over the
// RESP2 and RESP3 reply types, tagged by Type.
//
// Bulk strings are binary safe: Str holds raw bytes and must not be assumed
// to be UTF-8. Simple strings and errors are ASCII by the server's contract.
type Reply struct {
	Type Type

	// Nil marks the RESP2 null bulk string ($-1) and null array (*-1),
	// and the RESP3 dedicated null (_). A nil bulk and a nil array are
	// distinct values: the Type differs.
	Nil bool

	// Str holds the payload of simple strings, errors, bulk strings,
	// verbatim strings and big numbers.
	Str []byte

	Int    int64
	Double float64
	Bool   bool

	// Format is the 3-byte format tag of a verbatim string ("txt", "mkd").
	Format string

	// Elems holds the elements of arrays, sets and push frames. For maps it
	// holds the flattened key/value sequence, 2N elements for N entries.
	Elems []*Reply

	// Attrib holds the flattened key/value sequence of an attribute frame
	// that prefixed this value, if any. Attributes carry optional metadata
	// and most callers ignore them.
	Attrib []*Reply
}

// IsNil reports whether the reply is any of the null variants.
func (r *Reply) IsNil() bool {
	return r == nil || r.Nil || r.Type == TypeNull
}

// IsError reports whether the reply is an error reply.
func (r *Reply) IsError() bool {
	return r != nil && r.Type == TypeError
}

// IsPush reports whether the reply is an out-of-band push frame.
func (r *Reply) IsPush() bool {
	return r != nil && r.Type == TypePush
}

// Bytes returns the raw payload for string-carrying replies.
func (r *Reply) Bytes() []byte {
	if r.IsNil() {
		return nil
	}
	return r.Str
}

// Text returns the payload as a string. Integer and double replies are
// formatted as decimal ASCII, matching what the server would have sent
// under the other protocol version.
func (r *Reply) Text() string {
	if r.IsNil() {
		return ""
	}
	switch r.Type {
	case TypeInteger:
		return strconv.FormatInt(r.Int, 10)
	case TypeDouble:
		return strconv.FormatFloat(r.Double, 'f', -1, 64)
	case TypeBoolean:
		if r.Bool {
			return "1"
		}
		return "0"
	}
	return string(r.Str)
}

// Int64 returns the reply as an integer. Bulk and simple strings are parsed
// as decimal ASCII.
func (r *Reply) Int64() (int64, error) {
	if r == nil {
		return 0, fmt.Errorf("resp: Int64 on nil reply")
	}
	switch r.Type {
	case TypeInteger:
		return r.Int, nil
	case TypeBoolean:
		if r.Bool {
			return 1, nil
		}
		return 0, nil
	case TypeBulkString, TypeSimpleString, TypeBigNumber:
		return strconv.ParseInt(string(r.Str), 10, 64)
	}
	return 0, fmt.Errorf("resp: cannot interpret %q reply as integer", r.Type)
}

// Float64 returns the reply as a float. Bulk strings are parsed as decimal.
func (r *Reply) Float64() (float64, error) {
	if r == nil {
		return 0, fmt.Errorf("resp: Float64 on nil reply")
	}
	switch r.Type {
	case TypeDouble:
		return r.Double, nil
	case TypeInteger:
		return float64(r.Int), nil
	case TypeBulkString, TypeSimpleString:
		return strconv.ParseFloat(string(r.Str), 64)
	}
	return 0, fmt.Errorf("resp: cannot interpret %q reply as double", r.Type)
}

// MapPairs returns the entries of a map reply as key/value pairs. An array
// reply with an even element count is accepted too, which is how RESP2
// servers return map-shaped data (HGETALL, CONFIG GET, ...).
func (r *Reply) MapPairs() ([][2]*Reply, error) {
	if r == nil || (r.Type != TypeMap && r.Type != TypeArray) {
		return nil, fmt.Errorf("resp: not a map-shaped reply")
	}
	if len(r.Elems)%2 != 0 {
		return nil, fmt.Errorf("resp: map reply with odd element count %d", len(r.Elems))
	}
	pairs := make([][2]*Reply, 0, len(r.Elems)/2)
	for i := 0; i < len(r.Elems); i += 2 {
		pairs = append(pairs, [2]*Reply{r.Elems[i], r.Elems[i+1]})
	}
	return pairs, nil
}

// StringMap returns a map-shaped reply as a Go string map.
func (r *Reply) StringMap() (map[string]string, error) {
	pairs, err := r.MapPairs()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		m[kv[0].Text()] = kv[1].Text()
	}
	return m, nil
}

// Strings returns an array-shaped reply as a slice of strings.
func (r *Reply) Strings() ([]string, error) {
	if r == nil {
		return nil, fmt.Errorf("resp: Strings on nil reply")
	}
	switch r.Type {
	case TypeArray, TypeSet, TypePush:
	default:
		return nil, fmt.Errorf("resp: cannot interpret %q reply as string slice", r.Type)
	}
	if r.Nil {
		return nil, nil
	}
	out := make([]string, len(r.Elems))
	for i, e := range r.Elems {
		out[i] = e.Text()
	}
	return out, nil
}

// String implements fmt.Stringer for debugging output.
func (r *Reply) String() string {
	if r == nil {
		return "<nil>"
	}
	if r.IsNil() {
		return fmt.Sprintf("%c(nil)", r.Type)
	}
	switch r.Type {
	case TypeInteger:
		return fmt.Sprintf(":%d", r.Int)
	case TypeDouble:
		return fmt.Sprintf(",%g", r.Double)
	case TypeBoolean:
		return fmt.Sprintf("#%t", r.Bool)
	case TypeArray, TypeMap, TypeSet, TypePush:
		return fmt.Sprintf("%c[%d elems]", r.Type, len(r.Elems))
	}
	return fmt.Sprintf("%c%s", r.Type, r.Str)
}
