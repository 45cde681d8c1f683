package hdf5

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"
	"unicode/utf8"
)

// Datatype classes.
const (
	ClassFixedString = 3
	ClassVarLen      = 9
)

// Attribute is a decoded attribute. Strings is set for fixed and variable length
// string attributes; Raw holds the undecoded data of everything else.
type Attribute struct {
	Name    string
	Class   int
	Dims    []uint64
	Strings []string
	Raw     []byte
}

// String returns the first string element.
func (a *Attribute) String() (string, bool) {
	if len(a.Strings) == 0 {
		return "", false
	}
	return a.Strings[0], true
}

type attributeSet struct {
	attrs  []*Attribute
	failed map[string]error
	// opaque counts attribute messages that could not even be named.
	opaque int
	dense  bool
}

// RootAttributes returns the compact attributes of the root group that this
// reader could decode.
func (f *File) RootAttributes() ([]*Attribute, error) {
	set, err := f.rootAttributes()
	if err != nil {
		return nil, err
	}
	return set.attrs, nil
}

// RootAttribute returns the named root group attribute. It reports
// ErrAttributeNotFound when the attribute is absent and ErrUnsupported when it
// may live in storage this reader cannot decode.
func (f *File) RootAttribute(name string) (*Attribute, error) {
	set, err := f.rootAttributes()
	if err != nil {
		return nil, err
	}
	for _, a := range set.attrs {
		if a.Name == name {
			return a, nil
		}
	}
	if err, ok := set.failed[name]; ok {
		return nil, fmt.Errorf("attribute %q: %w", name, err)
	}
	if set.dense {
		return nil, fmt.Errorf("%w: dense attribute storage", ErrUnsupported)
	}
	if set.opaque > 0 {
		return nil, fmt.Errorf("%w: shared attribute messages", ErrUnsupported)
	}
	return nil, fmt.Errorf("%w: %q", ErrAttributeNotFound, name)
}

func (f *File) rootAttributes() (*attributeSet, error) {
	msgs, err := f.messages(f.root)
	if err != nil {
		return nil, err
	}

	set := &attributeSet{failed: make(map[string]error)}
	for _, m := range msgs {
		switch m.typ {
		case msgAttribute:
			if m.flags&0x02 != 0 {
				set.opaque++
				continue
			}
			a, err := f.parseAttribute(m.data)
			switch {
			case err == nil:
				set.attrs = append(set.attrs, a)
			case a != nil && a.Name != "":
				set.failed[a.Name] = err
			case errors.Is(err, ErrUnsupported):
				set.opaque++
			default:
				return nil, err
			}
		case msgAttributeInfo:
			dense, err := f.parseAttributeInfo(m.data)
			if err != nil {
				return nil, err
			}
			set.dense = set.dense || dense
		}
	}
	return set, nil
}

func (f *File) parseAttributeInfo(data []byte) (bool, error) {
	c := f.cursor(data, 0)
	c.skip(1)
	flags := c.u8()
	if flags&0x01 != 0 {
		c.skip(2)
	}
	heap := c.offset()
	if c.err != nil {
		return false, c.err
	}
	return heap != undefined, nil
}

// parseAttribute decodes an attribute message. On failure after the name was
// read, the returned attribute carries the name so callers can attribute the error.
func (f *File) parseAttribute(data []byte) (*Attribute, error) {
	c := f.cursor(data, 0)
	version := c.u8()

	var nameSize, dtSize, dsSize int
	var rawName, rawType, rawSpace []byte
	switch version {
	case 1:
		c.skip(1)
		nameSize, dtSize, dsSize = int(c.u16()), int(c.u16()), int(c.u16())
		rawName = c.take(pad8(nameSize))[:nameSize]
		rawType = c.take(pad8(dtSize))[:dtSize]
		rawSpace = c.take(pad8(dsSize))[:dsSize]
	case 2, 3:
		flags := c.u8()
		nameSize, dtSize, dsSize = int(c.u16()), int(c.u16()), int(c.u16())
		if version == 3 {
			c.skip(1) // name character set
		}
		rawName = c.take(nameSize)
		if c.err == nil && flags&0x03 != 0 {
			return &Attribute{Name: cstring(rawName)}, fmt.Errorf("%w: shared datatype or dataspace", ErrUnsupported)
		}
		rawType = c.take(dtSize)
		rawSpace = c.take(dsSize)
	default:
		return nil, fmt.Errorf("%w: attribute message version %d", ErrUnsupported, version)
	}
	if c.err != nil {
		return nil, c.err
	}

	a := &Attribute{Name: cstring(rawName)}
	dt, err := f.parseDatatype(rawType)
	if err != nil {
		return a, err
	}
	a.Class = dt.class

	count, dims, err := f.parseDataspace(rawSpace)
	if err != nil {
		return a, err
	}
	a.Dims = dims

	if dt.size == 0 && count > 0 {
		return a, fmt.Errorf("%w: zero-sized datatype", ErrMalformed)
	}
	if count > 0 && uint64(c.remaining())/count < uint64(dt.size) {
		return a, fmt.Errorf("%w: attribute data", ErrTruncated)
	}
	raw := c.take(int(count) * int(dt.size))

	switch {
	case dt.class == ClassFixedString:
		a.Strings = make([]string, 0, count)
		for i := 0; i < int(count); i++ {
			elem := raw[i*int(dt.size) : (i+1)*int(dt.size)]
			a.Strings = append(a.Strings, trimPadding(elem, dt.padding))
		}
	case dt.class == ClassVarLen && dt.vlenString:
		a.Strings = make([]string, 0, count)
		for i := 0; i < int(count); i++ {
			elem := raw[i*int(dt.size) : (i+1)*int(dt.size)]
			s, err := f.vlenString(elem)
			if err != nil {
				return a, err
			}
			a.Strings = append(a.Strings, s)
		}
	default:
		a.Raw = append([]byte(nil), raw...)
	}
	return a, nil
}

type datatype struct {
	class      int
	size       uint32
	padding    int
	vlenString bool
}

func (f *File) parseDatatype(data []byte) (datatype, error) {
	c := f.cursor(data, 0)
	b0 := c.u8()
	b1 := c.u8()
	c.skip(2)
	size := c.u32()
	if c.err != nil {
		return datatype{}, c.err
	}

	dt := datatype{class: int(b0 & 0x0f), size: size}
	switch dt.class {
	case ClassFixedString:
		dt.padding = int(b1 & 0x0f)
	case ClassVarLen:
		dt.vlenString = b1&0x0f == 1
		dt.padding = int(b1 >> 4)
	}
	return dt, nil
}

// Dataspace types in version 2 messages.
const (
	spaceScalar = 0
	spaceSimple = 1
	spaceNull   = 2
)

const maxElements = 1 << 24

func (f *File) parseDataspace(data []byte) (uint64, []uint64, error) {
	c := f.cursor(data, 0)
	version := c.u8()
	rank := int(c.u8())
	c.skip(1) // flags
	kind := spaceSimple
	switch version {
	case 1:
		c.skip(5)
		if rank == 0 {
			kind = spaceScalar
		}
	case 2:
		kind = int(c.u8())
	default:
		return 0, nil, fmt.Errorf("%w: dataspace version %d", ErrUnsupported, version)
	}

	dims := make([]uint64, 0, rank)
	for i := 0; i < rank; i++ {
		dims = append(dims, c.length())
	}
	if c.err != nil {
		return 0, nil, c.err
	}

	switch kind {
	case spaceScalar:
		return 1, dims, nil
	case spaceNull:
		return 0, dims, nil
	case spaceSimple:
		count := uint64(1)
		for _, d := range dims {
			hi, lo := bits.Mul64(count, d)
			if hi != 0 || lo > maxElements {
				return 0, nil, fmt.Errorf("%w: dataspace too large", ErrUnsupported)
			}
			count = lo
		}
		return count, dims, nil
	}
	return 0, nil, fmt.Errorf("%w: dataspace type %d", ErrMalformed, kind)
}

func (f *File) vlenString(elem []byte) (string, error) {
	c := f.cursor(elem, 0)
	n := c.u32()
	addr := c.offset()
	index := c.u32()
	if c.err != nil {
		return "", c.err
	}
	if n == 0 {
		return "", nil
	}
	obj, err := f.heapObject(addr, index)
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(len(obj)) {
		return "", fmt.Errorf("%w: vlen string of %d bytes in %d byte object", ErrMalformed, n, len(obj))
	}
	return string(obj[:n]), nil
}

// String padding types.
const (
	padNullTerm = 0
	padNullPad  = 1
	padSpacePad = 2
)

func trimPadding(b []byte, padding int) string {
	switch padding {
	case padNullTerm:
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
	case padNullPad:
		b = bytes.TrimRight(b, "\x00")
	case padSpacePad:
		b = bytes.TrimRight(b, " ")
	}
	return string(b)
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	if !utf8.Valid(b) {
		return string(bytes.ToValidUTF8(b, []byte("�")))
	}
	return string(b)
}
