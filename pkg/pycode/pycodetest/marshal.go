// Package pycodetest writes small marshal streams for tests.
package pycodetest

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Ref refers back to the n-th flagged object.
type Ref int

// Flagged sets the reference flag on the wrapped value.
type Flagged struct{ V any }

// Tuple is marshaled as a tuple; a plain []any is too.
type Tuple []any

// Code describes a code object. Layout is "3.7", "3.8" or "3.11"; fields that do
// not exist in the chosen layout are ignored.
type Code struct {
	Layout          string
	ArgCount        int32
	PosOnlyArgCount int32
	KwOnlyArgCount  int32
	NLocals         int32
	StackSize       int32
	Flags           int32
	Bytecode        []byte
	Consts          []any
	Names           []any
	VarNames        []any
	FreeVars        []any
	CellVars        []any
	LocalsPlusNames []any
	LocalsPlusKinds []byte
	Filename        any
	Name            any
	QualName        any
	FirstLineNo     int32
	LineTable       []byte
	ExceptionTable  []byte
}

// Marshal encodes v. Supported types are nil, bool, int, int32, float64, string,
// []byte, []any, Tuple, Ref, Flagged, Code and *Code.
func Marshal(v any) []byte {
	var w writer
	w.object(v, 0)
	return w.buf
}

type writer struct {
	buf []byte
}

func (w *writer) int32(n int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(n))
}

func (w *writer) object(v any, flag byte) {
	switch x := v.(type) {
	case nil:
		w.buf = append(w.buf, 'N'|flag)
	case bool:
		if x {
			w.buf = append(w.buf, 'T'|flag)
		} else {
			w.buf = append(w.buf, 'F'|flag)
		}
	case int:
		w.buf = append(w.buf, 'i'|flag)
		w.int32(int32(x))
	case int32:
		w.buf = append(w.buf, 'i'|flag)
		w.int32(x)
	case float64:
		w.buf = append(w.buf, 'g'|flag)
		w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(x))
	case string:
		if len(x) < 256 && isASCII(x) {
			w.buf = append(w.buf, 'z'|flag, byte(len(x)))
		} else {
			w.buf = append(w.buf, 'u'|flag)
			w.int32(int32(len(x)))
		}
		w.buf = append(w.buf, x...)
	case []byte:
		w.buf = append(w.buf, 's'|flag)
		w.int32(int32(len(x)))
		w.buf = append(w.buf, x...)
	case []any:
		w.tuple(x, flag)
	case Tuple:
		w.tuple(x, flag)
	case Ref:
		w.buf = append(w.buf, 'r')
		w.int32(int32(x))
	case Flagged:
		w.object(x.V, 0x80)
	case Code:
		w.code(&x, flag)
	case *Code:
		w.code(x, flag)
	default:
		panic(fmt.Sprintf("pycodetest: cannot marshal %T", v))
	}
}

func (w *writer) tuple(items []any, flag byte) {
	if len(items) < 256 {
		w.buf = append(w.buf, ')'|flag, byte(len(items)))
	} else {
		w.buf = append(w.buf, '('|flag)
		w.int32(int32(len(items)))
	}
	for _, item := range items {
		w.object(item, 0)
	}
}

func (w *writer) code(c *Code, flag byte) {
	w.buf = append(w.buf, 'c'|flag)
	switch c.Layout {
	case "3.7":
		for _, n := range []int32{c.ArgCount, c.KwOnlyArgCount, c.NLocals, c.StackSize, c.Flags} {
			w.int32(n)
		}
	case "3.11":
		for _, n := range []int32{c.ArgCount, c.PosOnlyArgCount, c.KwOnlyArgCount, c.StackSize, c.Flags} {
			w.int32(n)
		}
	default:
		for _, n := range []int32{c.ArgCount, c.PosOnlyArgCount, c.KwOnlyArgCount, c.NLocals, c.StackSize, c.Flags} {
			w.int32(n)
		}
	}

	w.object(orEmpty(c.Bytecode), 0)
	w.tuple(c.Consts, 0)
	w.tuple(c.Names, 0)
	if c.Layout == "3.11" {
		w.tuple(c.LocalsPlusNames, 0)
		w.object(orEmpty(c.LocalsPlusKinds), 0)
	} else {
		w.tuple(c.VarNames, 0)
		w.tuple(c.FreeVars, 0)
		w.tuple(c.CellVars, 0)
	}
	w.object(orString(c.Filename), 0)
	w.object(orString(c.Name), 0)
	if c.Layout == "3.11" {
		w.object(orString(c.QualName), 0)
	}
	w.int32(c.FirstLineNo)
	w.object(orEmpty(c.LineTable), 0)
	if c.Layout == "3.11" {
		w.object(orEmpty(c.ExceptionTable), 0)
	}
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func orString(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// HelloLambda38 is lambda x: print("hello") as compiled by CPython 3.8.
func HelloLambda38() []byte {
	return Marshal(Flagged{Code{
		Layout:    "3.8",
		ArgCount:  1,
		NLocals:   1,
		StackSize: 2,
		Flags:     0x43,
		Bytecode:  []byte{0x74, 0x00, 0x64, 0x01, 0x83, 0x01, 0x53, 0x00},
		Consts:    []any{nil, Flagged{"hello"}},
		Names:     []any{Flagged{"print"}},
		VarNames:  []any{Flagged{"x"}},
		Filename:  Flagged{"/tmp/train.py"},
		Name:      Flagged{"<lambda>"},
		LineTable: []byte{},
	}})
}

// HelloLambda311 is lambda x: print("hello") as compiled by CPython 3.11,
// inline caches included.
func HelloLambda311() []byte {
	bc := []byte{0x97, 0x00, 0x74, 0x01}
	bc = append(bc, make([]byte, 10)...)
	bc = append(bc, 0x64, 0x01, 0xa6, 0x01, 0x00, 0x00, 0xab, 0x01)
	bc = append(bc, make([]byte, 8)...)
	bc = append(bc, 0x53, 0x00)

	// Refs: 0 code, 1 "hello", 2 "print", 3 "x", 4 filename, 5 "<lambda>".
	return Marshal(Flagged{Code{
		Layout:          "3.11",
		ArgCount:        1,
		StackSize:       4,
		Flags:           0x03,
		Bytecode:        bc,
		Consts:          []any{nil, Flagged{"hello"}},
		Names:           []any{Flagged{"print"}},
		LocalsPlusNames: []any{Flagged{"x"}},
		LocalsPlusKinds: []byte{0x20},
		Filename:        Flagged{"/tmp/train.py"},
		Name:            Flagged{"<lambda>"},
		QualName:        Ref(5),
		FirstLineNo:     1,
	}})
}
