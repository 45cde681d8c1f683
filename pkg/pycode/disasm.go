package pycode

import (
	"fmt"
	"strings"
)

// Instruction is one line of a listing. Arg is nil for opcodes without an operand.
type Instruction struct {
	Offset int     `json:"offset" yaml:"offset"`
	Op     string  `json:"op" yaml:"op"`
	Arg    *string `json:"arg,omitempty" yaml:"arg,omitempty"`
}

// Listing is the disassembly of one code object and, recursively, of the code
// objects among its constants.
type Listing struct {
	Name         string        `json:"name" yaml:"name"`
	QualName     string        `json:"qualname,omitempty" yaml:"qualname,omitempty"`
	Filename     string        `json:"filename,omitempty" yaml:"filename,omitempty"`
	FirstLine    int           `json:"first_line,omitempty" yaml:"first_line,omitempty"`
	Python       string        `json:"python" yaml:"python"`
	Instructions []Instruction `json:"listing" yaml:"listing"`
	Nested       []*Listing    `json:"nested,omitempty" yaml:"nested,omitempty"`
	// Notes explains an inferred interpreter version that may be wrong.
	Notes []string `json:"-" yaml:"-"`
}

// String renders the listing in a dis-like text layout.
func (l *Listing) String() string {
	var b strings.Builder
	l.write(&b, "")
	return b.String()
}

func (l *Listing) write(b *strings.Builder, indent string) {
	fmt.Fprintf(b, "%sDisassembly of %s (python %s):\n", indent, l.Name, l.Python)
	for _, ins := range l.Instructions {
		if ins.Arg != nil {
			fmt.Fprintf(b, "%s%6d %-24s %s\n", indent, ins.Offset, ins.Op, *ins.Arg)
		} else {
			fmt.Fprintf(b, "%s%6d %s\n", indent, ins.Offset, ins.Op)
		}
	}
	for _, n := range l.Nested {
		b.WriteString("\n")
		n.write(b, indent+"  ")
	}
}

type options struct {
	version string
}

// Option configures Disassemble.
type Option func(*options)

// WithPythonVersion selects the opcode table, e.g. "3.9". The hint is only used
// when it names one of SupportedVersions and agrees with the detected code
// object layout.
func WithPythonVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// Disassemble decodes a marshaled code object and renders its instructions.
func Disassemble(data []byte, opts ...Option) (*Listing, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	code, layout, err := Load(data)
	if err != nil {
		return nil, err
	}
	t, note := tableFor(code, layout, o.version)
	l := render(code, t)
	if note != "" {
		l.Notes = append(l.Notes, note)
	}
	return l, nil
}

func render(code *Code, t *opTable) *Listing {
	l := &Listing{
		Name:         code.Name,
		QualName:     code.QualName,
		Filename:     code.Filename,
		FirstLine:    int(code.FirstLineNo),
		Python:       t.version,
		Instructions: []Instruction{},
	}

	bc := code.Bytecode
	ext := 0
	for off := 0; off+1 < len(bc); {
		op := bc[off]
		arg := int(bc[off+1]) | ext
		name := t.name(op)
		if name == "EXTENDED_ARG" {
			ext = arg << 8
		} else {
			ext = 0
		}

		ins := Instruction{Offset: off, Op: name}
		if op >= haveArgument {
			s := operand(code, t, name, arg, off)
			ins.Arg = &s
		}
		l.Instructions = append(l.Instructions, ins)
		off += 2 + 2*t.caches[name]
	}

	for _, c := range code.Consts {
		if nested, ok := c.(*Code); ok {
			l.Nested = append(l.Nested, render(nested, t))
		}
	}
	return l
}

func operand(code *Code, t *opTable, name string, arg, off int) string {
	resolved, ok := resolve(code, t, name, arg, off)
	if !ok || resolved == "" {
		return fmt.Sprint(arg)
	}
	return fmt.Sprintf("%d (%s)", arg, resolved)
}

func resolve(code *Code, t *opTable, name string, arg, off int) (string, bool) {
	switch t.kind(name) {
	case operandConst:
		if arg < len(code.Consts) {
			return Repr(code.Consts[arg]), true
		}
	case operandName:
		idx, nullFlag := arg, ""
		switch {
		case t.localsPlus && name == "LOAD_GLOBAL":
			idx, nullFlag = arg>>1, "NULL + "
		case t.version == "3.12" && name == "LOAD_ATTR":
			idx, nullFlag = arg>>1, "NULL|self + "
		case name == "LOAD_SUPER_ATTR":
			idx, nullFlag = arg>>2, "NULL|self + "
		}
		if idx >= len(code.Names) {
			return "", false
		}
		if nullFlag != "" && arg&1 == 1 {
			return nullFlag + code.Names[idx], true
		}
		return code.Names[idx], true
	case operandLocal:
		names := code.VarNames
		if t.localsPlus {
			names = code.LocalsPlusNames
		}
		if arg < len(names) {
			return names[arg], true
		}
	case operandFree:
		names := append(append([]string{}, code.CellVars...), code.FreeVars...)
		if t.localsPlus {
			names = code.LocalsPlusNames
		}
		if arg < len(names) {
			return names[arg], true
		}
	case operandCompare:
		if idx := arg >> t.compareShift; idx < len(t.compare) {
			return t.compare[idx], true
		}
	case operandBinary:
		if arg < len(binaryOps) {
			return binaryOps[arg], true
		}
	case operandIntrinsic1:
		if arg < len(intrinsics1) {
			return intrinsics1[arg], true
		}
	case operandIntrinsic2:
		if arg < len(intrinsics2) {
			return intrinsics2[arg], true
		}
	case operandFormat:
		repr := formatConverters[arg&0x3]
		if arg&0x4 != 0 {
			if repr != "" {
				repr += ", "
			}
			repr += "with format"
		}
		return repr, true
	case operandMakeFunction:
		var flags []string
		for i, f := range makeFunctionFlags {
			if arg&(1<<i) != 0 {
				flags = append(flags, f)
			}
		}
		return strings.Join(flags, ", "), true
	case operandJumpRel:
		return fmt.Sprintf("to %d", t.jumpTarget(name, off, arg)), true
	case operandJumpAbs:
		// Byte-offset absolute jumps carry no annotation before 3.10.
		if t.jumpUnit == 1 {
			return "", false
		}
		return fmt.Sprintf("to %d", arg*t.jumpUnit), true
	case operandJumpBack:
		return fmt.Sprintf("to %d", t.jumpTarget(name, off, -arg)), true
	}
	return "", false
}
