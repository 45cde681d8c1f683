package pycode

import (
	"errors"
	"fmt"
)

// Layout identifies the field order of a marshaled code object.
type Layout int

const (
	// Layout37 is the CPython 3.7 field order, before positional-only arguments.
	Layout37 Layout = iota + 1
	// Layout38 covers CPython 3.8 through 3.10.
	Layout38
	// Layout311 is the CPython 3.11 and 3.12 field order with locals-plus tables.
	Layout311
)

func (l Layout) String() string {
	switch l {
	case Layout37:
		return "3.7"
	case Layout38:
		return "3.8"
	case Layout311:
		return "3.11"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// layoutOrder is newest first: the 3.11 layout is the most constrained and fails
// fastest on older payloads.
var layoutOrder = []Layout{Layout311, Layout38, Layout37}

// Locals-plus kind bits.
const (
	fastLocal = 0x20
	fastCell  = 0x40
	fastFree  = 0x80
)

// Code is a decoded code object. Fields that do not exist in a given layout stay
// at their zero value; for 3.11 objects VarNames, CellVars and FreeVars are
// derived from the locals-plus tables.
type Code struct {
	ArgCount        int32
	PosOnlyArgCount int32
	KwOnlyArgCount  int32
	NLocals         int32
	StackSize       int32
	Flags           int32
	Bytecode        []byte
	Consts          []Value
	Names           []string
	VarNames        []string
	FreeVars        []string
	CellVars        []string
	LocalsPlusNames []string
	LocalsPlusKinds []byte
	Filename        string
	Name            string
	QualName        string
	FirstLineNo     int32
	LineTable       []byte
	ExceptionTable  []byte
}

// Load decodes a marshaled code object, returning the layout that matched.
// Anything that is not exactly one well-formed code object yields an error
// wrapping ErrNotACodeObject.
func Load(data []byte) (*Code, Layout, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("%w: empty input", ErrNotACodeObject)
	}
	if data[0]&^flagRef != typeCode {
		return nil, 0, fmt.Errorf("%w: top-level type code 0x%02x", ErrNotACodeObject, data[0]&^flagRef)
	}

	var errs []error
	for _, layout := range layoutOrder {
		code, err := LoadLayout(data, layout)
		if err == nil {
			return code, layout, nil
		}
		errs = append(errs, err)
	}
	return nil, 0, fmt.Errorf("%w: %w", ErrNotACodeObject, errors.Join(errs...))
}

// LoadLayout decodes data assuming a single layout.
func LoadLayout(data []byte, layout Layout) (*Code, error) {
	r := newReader(data, layout)
	v, err := r.object()
	if err != nil {
		return nil, fmt.Errorf("layout %s: %w", layout, err)
	}
	code, ok := v.(*Code)
	if !ok {
		return nil, fmt.Errorf("layout %s: top-level object is %T", layout, v)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("layout %s: %d trailing bytes", layout, r.remaining())
	}
	return code, nil
}

func (r *reader) code() (*Code, error) {
	c := &Code{}
	var err error

	ints := []*int32{&c.ArgCount, &c.PosOnlyArgCount, &c.KwOnlyArgCount, &c.NLocals, &c.StackSize, &c.Flags}
	switch r.layout {
	case Layout37:
		ints = []*int32{&c.ArgCount, &c.KwOnlyArgCount, &c.NLocals, &c.StackSize, &c.Flags}
	case Layout311:
		ints = []*int32{&c.ArgCount, &c.PosOnlyArgCount, &c.KwOnlyArgCount, &c.StackSize, &c.Flags}
	}
	for _, p := range ints {
		if *p, err = r.int32(); err != nil {
			return nil, err
		}
	}

	if c.Bytecode, err = r.bytesField("code"); err != nil {
		return nil, err
	}
	if c.Consts, err = r.tupleField("consts"); err != nil {
		return nil, err
	}
	if c.Names, err = r.namesField("names"); err != nil {
		return nil, err
	}

	if r.layout == Layout311 {
		if c.LocalsPlusNames, err = r.namesField("localsplusnames"); err != nil {
			return nil, err
		}
		if c.LocalsPlusKinds, err = r.bytesField("localspluskinds"); err != nil {
			return nil, err
		}
		if len(c.LocalsPlusKinds) != len(c.LocalsPlusNames) {
			return nil, fmt.Errorf("localsplus mismatch: %d names, %d kinds", len(c.LocalsPlusNames), len(c.LocalsPlusKinds))
		}
		c.splitLocalsPlus()
	} else {
		if c.VarNames, err = r.namesField("varnames"); err != nil {
			return nil, err
		}
		if c.FreeVars, err = r.namesField("freevars"); err != nil {
			return nil, err
		}
		if c.CellVars, err = r.namesField("cellvars"); err != nil {
			return nil, err
		}
	}

	if c.Filename, err = r.strField("filename"); err != nil {
		return nil, err
	}
	if c.Name, err = r.strField("name"); err != nil {
		return nil, err
	}
	if r.layout == Layout311 {
		if c.QualName, err = r.strField("qualname"); err != nil {
			return nil, err
		}
	} else {
		c.QualName = c.Name
	}
	if c.FirstLineNo, err = r.int32(); err != nil {
		return nil, err
	}
	if c.LineTable, err = r.bytesField("linetable"); err != nil {
		return nil, err
	}
	if r.layout == Layout311 {
		if c.ExceptionTable, err = r.bytesField("exceptiontable"); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Code) splitLocalsPlus() {
	for i, name := range c.LocalsPlusNames {
		kind := c.LocalsPlusKinds[i]
		if kind&fastLocal != 0 {
			c.VarNames = append(c.VarNames, name)
		}
		if kind&fastCell != 0 {
			c.CellVars = append(c.CellVars, name)
		}
		if kind&fastFree != 0 {
			c.FreeVars = append(c.FreeVars, name)
		}
	}
}

func (r *reader) bytesField(name string) ([]byte, error) {
	v, err := r.object()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	b, ok := v.(Bytes)
	if !ok {
		return nil, fmt.Errorf("%s: want bytes, got %T", name, v)
	}
	return []byte(b), nil
}

func (r *reader) tupleField(name string) ([]Value, error) {
	v, err := r.object()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	t, ok := v.(Tuple)
	if !ok {
		return nil, fmt.Errorf("%s: want tuple, got %T", name, v)
	}
	return []Value(t), nil
}

func (r *reader) namesField(name string) ([]string, error) {
	items, err := r.tupleField(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: want str, got %T", name, i, item)
		}
		out[i] = s
	}
	return out, nil
}

func (r *reader) strField(name string) (string, error) {
	v, err := r.object()
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: want str, got %T", name, v)
	}
	return s, nil
}
