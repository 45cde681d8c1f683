// Package pycode reads CPython marshal streams and renders the code objects they
// carry as instruction listings.
//
// The package is a structural decoder only. It never evaluates, imports or calls
// anything found in the input: bytes go in, Go values and strings come out.
//
// Keras serializes Lambda layer functions with marshal.dumps(func.__code__), so the
// top-level object of every payload this package accepts is a code object. The
// marshal stream carries no interpreter version, so Load tries the known code
// object layouts and keeps the first one that consumes the input exactly.
package pycode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// ErrNotACodeObject is returned when the input is not a marshaled code object.
var ErrNotACodeObject = errors.New("pycode: not a code object")

var (
	errTruncated = errors.New("truncated input")
	errTooDeep   = errors.New("nesting too deep")
)

const (
	flagRef  = 0x80
	maxDepth = 256
)

// Marshal type codes.
const (
	typeNull          = '0'
	typeNone          = 'N'
	typeFalse         = 'F'
	typeTrue          = 'T'
	typeStopIter      = 'S'
	typeEllipsis      = '.'
	typeInt           = 'i'
	typeLong          = 'l'
	typeFloat         = 'f'
	typeBinaryFloat   = 'g'
	typeComplex       = 'x'
	typeBinaryComplex = 'y'
	typeBytes         = 's'
	typeInterned      = 't'
	typeRef           = 'r'
	typeTuple         = '('
	typeSmallTuple    = ')'
	typeList          = '['
	typeDict          = '{'
	typeCode          = 'c'
	typeUnicode       = 'u'
	typeSet           = '<'
	typeFrozenSet     = '>'
	typeASCII         = 'a'
	typeASCIIInterned = 'A'
	typeShortASCII    = 'z'
	typeShortASCIIInt = 'Z'
)

// Value is a decoded marshal object. Concrete types are Singleton, bool, int64,
// *big.Int, float64, complex128, string, Bytes, Tuple, List, Dict, Set, FrozenSet
// and *Code.
type Value any

// Singleton is one of Python's named singletons.
type Singleton string

const (
	None          Singleton = "None"
	Ellipsis      Singleton = "Ellipsis"
	StopIteration Singleton = "StopIteration"
)

type (
	// Bytes is a Python bytes object.
	Bytes []byte
	// Tuple is a Python tuple.
	Tuple []Value
	// List is a Python list.
	List []Value
	// Set is a Python set.
	Set []Value
	// FrozenSet is a Python frozenset.
	FrozenSet []Value
	// Dict is a Python dict in insertion order.
	Dict []DictItem
)

// DictItem is one key/value pair of a Dict.
type DictItem struct {
	Key   Value
	Value Value
}

// null terminates dict entries and is never valid anywhere else.
type null struct{}

type reader struct {
	data   []byte
	pos    int
	refs   []Value
	depth  int
	layout Layout
}

func newReader(data []byte, layout Layout) *reader {
	return &reader{data: data, layout: layout}
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, fmt.Errorf("%w at offset %d", errTruncated, r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) int32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *reader) float64() (float64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// count reads a 4-byte element or byte count and rejects values that could not
// possibly fit in what is left of the input.
func (r *reader) count() (int, error) {
	n, err := r.int32()
	if err != nil {
		return 0, err
	}
	if n < 0 || int(n) > r.remaining() {
		return 0, fmt.Errorf("size %d out of range at offset %d", n, r.pos)
	}
	return int(n), nil
}

func (r *reader) shortCount() (int, error) {
	b, err := r.byte()
	if err != nil {
		return 0, err
	}
	if int(b) > r.remaining() {
		return 0, fmt.Errorf("size %d out of range at offset %d", b, r.pos)
	}
	return int(b), nil
}

func (r *reader) object() (Value, error) {
	if r.depth >= maxDepth {
		return nil, errTooDeep
	}
	r.depth++
	defer func() { r.depth-- }()

	start := r.pos
	code, err := r.byte()
	if err != nil {
		return nil, err
	}
	typ := code &^ flagRef

	ref := -1
	if code&flagRef != 0 {
		ref = len(r.refs)
		r.refs = append(r.refs, nil)
	}

	v, err := r.value(typ)
	if err != nil {
		return nil, err
	}
	if _, ok := v.(null); ok && ref >= 0 {
		return nil, fmt.Errorf("flagged null at offset %d", start)
	}
	if ref >= 0 {
		r.refs[ref] = v
	}
	return v, nil
}

func (r *reader) value(typ byte) (Value, error) {
	switch typ {
	case typeNull:
		return null{}, nil
	case typeNone:
		return None, nil
	case typeFalse:
		return false, nil
	case typeTrue:
		return true, nil
	case typeStopIter:
		return StopIteration, nil
	case typeEllipsis:
		return Ellipsis, nil
	case typeInt:
		n, err := r.int32()
		return int64(n), err
	case typeLong:
		return r.long()
	case typeBinaryFloat:
		return r.float64()
	case typeFloat:
		return r.textFloat()
	case typeBinaryComplex:
		re, err := r.float64()
		if err != nil {
			return nil, err
		}
		im, err := r.float64()
		return complex(re, im), err
	case typeComplex:
		re, err := r.textFloat()
		if err != nil {
			return nil, err
		}
		im, err := r.textFloat()
		return complex(re, im), err
	case typeBytes:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		b, err := r.take(n)
		return Bytes(append([]byte(nil), b...)), err
	case typeUnicode, typeInterned, typeASCII, typeASCIIInterned:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		b, err := r.take(n)
		return string(b), err
	case typeShortASCII, typeShortASCIIInt:
		n, err := r.shortCount()
		if err != nil {
			return nil, err
		}
		b, err := r.take(n)
		return string(b), err
	case typeSmallTuple:
		n, err := r.shortCount()
		if err != nil {
			return nil, err
		}
		items, err := r.items(n, "tuple")
		return Tuple(items), err
	case typeTuple:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		items, err := r.items(n, "tuple")
		return Tuple(items), err
	case typeList:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		items, err := r.items(n, "list")
		return List(items), err
	case typeSet, typeFrozenSet:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		items, err := r.items(n, "set")
		if typ == typeSet {
			return Set(items), err
		}
		return FrozenSet(items), err
	case typeDict:
		return r.dict()
	case typeRef:
		n, err := r.int32()
		if err != nil {
			return nil, err
		}
		if n < 0 || int(n) >= len(r.refs) || r.refs[n] == nil {
			return nil, fmt.Errorf("invalid reference %d", n)
		}
		return r.refs[n], nil
	case typeCode:
		return r.code()
	default:
		return nil, fmt.Errorf("unknown type code 0x%02x at offset %d", typ, r.pos-1)
	}
}

func (r *reader) items(n int, kind string) ([]Value, error) {
	out := make([]Value, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.object()
		if err != nil {
			return nil, err
		}
		if _, ok := v.(null); ok {
			return nil, fmt.Errorf("null element in %s", kind)
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *reader) dict() (Value, error) {
	var out Dict
	for {
		k, err := r.object()
		if err != nil {
			return nil, err
		}
		if _, ok := k.(null); ok {
			return out, nil
		}
		v, err := r.object()
		if err != nil {
			return nil, err
		}
		if _, ok := v.(null); ok {
			return nil, errors.New("null value in dict")
		}
		out = append(out, DictItem{Key: k, Value: v})
	}
}

func (r *reader) long() (Value, error) {
	n, err := r.int32()
	if err != nil {
		return nil, err
	}
	size := int(n)
	if size < 0 {
		size = -size
	}
	if size*2 > r.remaining() {
		return nil, fmt.Errorf("long of %d digits out of range", size)
	}

	digits := make([]uint16, size)
	for i := range digits {
		b, _ := r.take(2)
		d := binary.LittleEndian.Uint16(b)
		if d >= 1<<15 {
			return nil, errors.New("bad long digit")
		}
		digits[i] = d
	}
	if size > 0 && digits[size-1] == 0 {
		return nil, errors.New("unnormalized long")
	}

	v := new(big.Int)
	for i := size - 1; i >= 0; i-- {
		v.Lsh(v, 15)
		v.Or(v, big.NewInt(int64(digits[i])))
	}
	if n < 0 {
		v.Neg(v)
	}
	return v, nil
}

func (r *reader) textFloat() (float64, error) {
	n, err := r.shortCount()
	if err != nil {
		return 0, err
	}
	b, err := r.take(n)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(string(b), 64)
}
