package pycode

import (
	"fmt"
	"slices"
	"strings"
)

// haveArgument is the first opcode that takes an operand in every supported version.
const haveArgument = 90

type operandKind int

const (
	operandPlain operandKind = iota
	operandConst
	operandName
	operandLocal
	operandFree
	operandCompare
	operandJumpRel
	operandJumpAbs
	operandJumpBack
	operandBinary
	operandIntrinsic1
	operandIntrinsic2
	operandFormat
	operandMakeFunction
)

type opTable struct {
	version string
	names   [256]string
	kinds   map[string]operandKind
	// jumpUnit scales jump operands: 1 up to 3.9, where they count bytes, and 2
	// from 3.10 on, where they count instructions.
	jumpUnit int
	compare  []string
	// compareShift drops the low bits 3.12 packs into COMPARE_OP's operand.
	compareShift int
	// caches is the number of inline CACHE units after each instruction, 3.11 on.
	caches map[string]int
	// jumpCaches is set from 3.12, where relative jumps start after the caches.
	jumpCaches bool
	// localsPlus resolves local, cell and free operands against one table.
	localsPlus bool
}

func (t *opTable) name(op byte) string {
	if n := t.names[op]; n != "" {
		return n
	}
	return fmt.Sprintf("<%d>", op)
}

func (t *opTable) kind(name string) operandKind {
	return t.kinds[name]
}

// jumpTarget resolves a relative jump of delta units from the instruction at off.
func (t *opTable) jumpTarget(name string, off, delta int) int {
	target := off + 2 + delta*t.jumpUnit
	if t.jumpCaches {
		target += 2 * t.caches[name]
	}
	return target
}

// fits reports whether code, and every code object among its constants, walks
// cleanly under t: each instruction is known and each of its cache units is zero.
func (t *opTable) fits(code *Code) bool {
	bc := code.Bytecode
	for off := 0; off+1 < len(bc); {
		op := bc[off]
		name := t.names[op]
		if op == 0 || name == "" {
			return false
		}
		off += 2
		for range t.caches[name] {
			if off+1 >= len(bc) || bc[off] != 0 || bc[off+1] != 0 {
				return false
			}
			off += 2
		}
	}
	for _, c := range code.Consts {
		if nested, ok := c.(*Code); ok && !t.fits(nested) {
			return false
		}
	}
	return true
}

var ops38 = map[byte]string{
	1: "POP_TOP", 2: "ROT_TWO", 3: "ROT_THREE", 4: "DUP_TOP", 5: "DUP_TOP_TWO", 6: "ROT_FOUR",
	9: "NOP", 10: "UNARY_POSITIVE", 11: "UNARY_NEGATIVE", 12: "UNARY_NOT", 15: "UNARY_INVERT",
	16: "BINARY_MATRIX_MULTIPLY", 17: "INPLACE_MATRIX_MULTIPLY", 19: "BINARY_POWER",
	20: "BINARY_MULTIPLY", 22: "BINARY_MODULO", 23: "BINARY_ADD", 24: "BINARY_SUBTRACT",
	25: "BINARY_SUBSCR", 26: "BINARY_FLOOR_DIVIDE", 27: "BINARY_TRUE_DIVIDE",
	28: "INPLACE_FLOOR_DIVIDE", 29: "INPLACE_TRUE_DIVIDE",
	50: "GET_AITER", 51: "GET_ANEXT", 52: "BEFORE_ASYNC_WITH", 53: "BEGIN_FINALLY", 54: "END_ASYNC_FOR",
	55: "INPLACE_ADD", 56: "INPLACE_SUBTRACT", 57: "INPLACE_MULTIPLY", 59: "INPLACE_MODULO",
	60: "STORE_SUBSCR", 61: "DELETE_SUBSCR", 62: "BINARY_LSHIFT", 63: "BINARY_RSHIFT",
	64: "BINARY_AND", 65: "BINARY_XOR", 66: "BINARY_OR", 67: "INPLACE_POWER", 68: "GET_ITER",
	69: "GET_YIELD_FROM_ITER", 70: "PRINT_EXPR", 71: "LOAD_BUILD_CLASS", 72: "YIELD_FROM",
	73: "GET_AWAITABLE", 75: "INPLACE_LSHIFT", 76: "INPLACE_RSHIFT", 77: "INPLACE_AND",
	78: "INPLACE_XOR", 79: "INPLACE_OR", 81: "WITH_CLEANUP_START", 82: "WITH_CLEANUP_FINISH",
	83: "RETURN_VALUE", 84: "IMPORT_STAR", 85: "SETUP_ANNOTATIONS", 86: "YIELD_VALUE",
	87: "POP_BLOCK", 88: "END_FINALLY", 89: "POP_EXCEPT",
	90: "STORE_NAME", 91: "DELETE_NAME", 92: "UNPACK_SEQUENCE", 93: "FOR_ITER", 94: "UNPACK_EX",
	95: "STORE_ATTR", 96: "DELETE_ATTR", 97: "STORE_GLOBAL", 98: "DELETE_GLOBAL",
	100: "LOAD_CONST", 101: "LOAD_NAME", 102: "BUILD_TUPLE", 103: "BUILD_LIST", 104: "BUILD_SET",
	105: "BUILD_MAP", 106: "LOAD_ATTR", 107: "COMPARE_OP", 108: "IMPORT_NAME", 109: "IMPORT_FROM",
	110: "JUMP_FORWARD", 111: "JUMP_IF_FALSE_OR_POP", 112: "JUMP_IF_TRUE_OR_POP",
	113: "JUMP_ABSOLUTE", 114: "POP_JUMP_IF_FALSE", 115: "POP_JUMP_IF_TRUE", 116: "LOAD_GLOBAL",
	122: "SETUP_FINALLY", 124: "LOAD_FAST", 125: "STORE_FAST", 126: "DELETE_FAST",
	130: "RAISE_VARARGS", 131: "CALL_FUNCTION", 132: "MAKE_FUNCTION", 133: "BUILD_SLICE",
	135: "LOAD_CLOSURE", 136: "LOAD_DEREF", 137: "STORE_DEREF", 138: "DELETE_DEREF",
	141: "CALL_FUNCTION_KW", 142: "CALL_FUNCTION_EX", 143: "SETUP_WITH", 144: "EXTENDED_ARG",
	145: "LIST_APPEND", 146: "SET_ADD", 147: "MAP_ADD", 148: "LOAD_CLASSDEREF",
	149: "BUILD_LIST_UNPACK", 150: "BUILD_MAP_UNPACK", 151: "BUILD_MAP_UNPACK_WITH_CALL",
	152: "BUILD_TUPLE_UNPACK", 153: "BUILD_SET_UNPACK", 154: "SETUP_ASYNC_WITH",
	155: "FORMAT_VALUE", 156: "BUILD_CONST_KEY_MAP", 157: "BUILD_STRING",
	158: "BUILD_TUPLE_UNPACK_WITH_CALL", 160: "LOAD_METHOD", 161: "CALL_METHOD",
	162: "CALL_FINALLY", 163: "POP_FINALLY",
}

type overlay struct {
	remove []byte
	add    map[byte]string
}

var overlay37 = overlay{
	remove: []byte{6, 53, 54, 162, 163},
	add:    map[byte]string{80: "BREAK_LOOP", 119: "CONTINUE_LOOP", 120: "SETUP_LOOP", 121: "SETUP_EXCEPT"},
}

var overlay39 = overlay{
	remove: []byte{53, 81, 88, 149, 150, 151, 152, 153, 158, 162, 163},
	add: map[byte]string{
		48: "RERAISE", 49: "WITH_EXCEPT_START", 74: "LOAD_ASSERTION_ERROR", 82: "LIST_TO_TUPLE",
		117: "IS_OP", 118: "CONTAINS_OP", 121: "JUMP_IF_NOT_EXC_MATCH",
		162: "LIST_EXTEND", 163: "SET_UPDATE", 164: "DICT_MERGE", 165: "DICT_UPDATE",
	},
}

// overlay310 applies on top of overlay39.
var overlay310 = overlay{
	remove: []byte{48},
	add: map[byte]string{
		30: "GET_LEN", 31: "MATCH_MAPPING", 32: "MATCH_SEQUENCE", 33: "MATCH_KEYS",
		34: "COPY_DICT_WITHOUT_KEYS", 99: "ROT_N", 119: "RERAISE", 129: "GEN_START", 152: "MATCH_CLASS",
	},
}

var ops311 = map[byte]string{
	0: "CACHE", 1: "POP_TOP", 2: "PUSH_NULL", 9: "NOP", 10: "UNARY_POSITIVE", 11: "UNARY_NEGATIVE",
	12: "UNARY_NOT", 15: "UNARY_INVERT", 25: "BINARY_SUBSCR", 30: "GET_LEN", 31: "MATCH_MAPPING",
	32: "MATCH_SEQUENCE", 33: "MATCH_KEYS", 35: "PUSH_EXC_INFO", 36: "CHECK_EXC_MATCH",
	37: "CHECK_EG_MATCH", 49: "WITH_EXCEPT_START", 50: "GET_AITER", 51: "GET_ANEXT",
	52: "BEFORE_ASYNC_WITH", 53: "BEFORE_WITH", 54: "END_ASYNC_FOR", 60: "STORE_SUBSCR",
	61: "DELETE_SUBSCR", 68: "GET_ITER", 69: "GET_YIELD_FROM_ITER", 70: "PRINT_EXPR",
	71: "LOAD_BUILD_CLASS", 74: "LOAD_ASSERTION_ERROR", 75: "RETURN_GENERATOR", 82: "LIST_TO_TUPLE",
	83: "RETURN_VALUE", 84: "IMPORT_STAR", 85: "SETUP_ANNOTATIONS", 86: "YIELD_VALUE",
	87: "ASYNC_GEN_WRAP", 88: "PREP_RERAISE_STAR", 89: "POP_EXCEPT",
	90: "STORE_NAME", 91: "DELETE_NAME", 92: "UNPACK_SEQUENCE", 93: "FOR_ITER", 94: "UNPACK_EX",
	95: "STORE_ATTR", 96: "DELETE_ATTR", 97: "STORE_GLOBAL", 98: "DELETE_GLOBAL", 99: "SWAP",
	100: "LOAD_CONST", 101: "LOAD_NAME", 102: "BUILD_TUPLE", 103: "BUILD_LIST", 104: "BUILD_SET",
	105: "BUILD_MAP", 106: "LOAD_ATTR", 107: "COMPARE_OP", 108: "IMPORT_NAME", 109: "IMPORT_FROM",
	110: "JUMP_FORWARD", 111: "JUMP_IF_FALSE_OR_POP", 112: "JUMP_IF_TRUE_OR_POP",
	114: "POP_JUMP_FORWARD_IF_FALSE", 115: "POP_JUMP_FORWARD_IF_TRUE", 116: "LOAD_GLOBAL",
	117: "IS_OP", 118: "CONTAINS_OP", 119: "RERAISE", 120: "COPY", 122: "BINARY_OP", 123: "SEND",
	124: "LOAD_FAST", 125: "STORE_FAST", 126: "DELETE_FAST", 128: "POP_JUMP_FORWARD_IF_NOT_NONE",
	129: "POP_JUMP_FORWARD_IF_NONE", 130: "RAISE_VARARGS", 131: "GET_AWAITABLE", 132: "MAKE_FUNCTION",
	133: "BUILD_SLICE", 134: "JUMP_BACKWARD_NO_INTERRUPT", 135: "MAKE_CELL", 136: "LOAD_CLOSURE",
	137: "LOAD_DEREF", 138: "STORE_DEREF", 139: "DELETE_DEREF", 140: "JUMP_BACKWARD",
	142: "CALL_FUNCTION_EX", 144: "EXTENDED_ARG", 145: "LIST_APPEND", 146: "SET_ADD", 147: "MAP_ADD",
	148: "LOAD_CLASSDEREF", 149: "COPY_FREE_VARS", 151: "RESUME", 152: "MATCH_CLASS",
	155: "FORMAT_VALUE", 156: "BUILD_CONST_KEY_MAP", 157: "BUILD_STRING", 160: "LOAD_METHOD",
	162: "LIST_EXTEND", 163: "SET_UPDATE", 164: "DICT_MERGE", 165: "DICT_UPDATE", 166: "PRECALL",
	171: "CALL", 172: "KW_NAMES", 173: "POP_JUMP_BACKWARD_IF_NOT_NONE",
	174: "POP_JUMP_BACKWARD_IF_NONE", 175: "POP_JUMP_BACKWARD_IF_FALSE", 176: "POP_JUMP_BACKWARD_IF_TRUE",
}

var ops312 = map[byte]string{
	0: "CACHE", 1: "POP_TOP", 2: "PUSH_NULL", 3: "INTERPRETER_EXIT", 4: "END_FOR", 5: "END_SEND",
	9: "NOP", 11: "UNARY_NEGATIVE", 12: "UNARY_NOT", 15: "UNARY_INVERT", 17: "RESERVED",
	25: "BINARY_SUBSCR", 26: "BINARY_SLICE", 27: "STORE_SLICE", 30: "GET_LEN", 31: "MATCH_MAPPING",
	32: "MATCH_SEQUENCE", 33: "MATCH_KEYS", 35: "PUSH_EXC_INFO", 36: "CHECK_EXC_MATCH",
	37: "CHECK_EG_MATCH", 49: "WITH_EXCEPT_START", 50: "GET_AITER", 51: "GET_ANEXT",
	52: "BEFORE_ASYNC_WITH", 53: "BEFORE_WITH", 54: "END_ASYNC_FOR", 55: "CLEANUP_THROW",
	60: "STORE_SUBSCR", 61: "DELETE_SUBSCR", 68: "GET_ITER", 69: "GET_YIELD_FROM_ITER",
	71: "LOAD_BUILD_CLASS", 74: "LOAD_ASSERTION_ERROR", 75: "RETURN_GENERATOR", 83: "RETURN_VALUE",
	85: "SETUP_ANNOTATIONS", 87: "LOAD_LOCALS", 89: "POP_EXCEPT",
	90: "STORE_NAME", 91: "DELETE_NAME", 92: "UNPACK_SEQUENCE", 93: "FOR_ITER", 94: "UNPACK_EX",
	95: "STORE_ATTR", 96: "DELETE_ATTR", 97: "STORE_GLOBAL", 98: "DELETE_GLOBAL", 99: "SWAP",
	100: "LOAD_CONST", 101: "LOAD_NAME", 102: "BUILD_TUPLE", 103: "BUILD_LIST", 104: "BUILD_SET",
	105: "BUILD_MAP", 106: "LOAD_ATTR", 107: "COMPARE_OP", 108: "IMPORT_NAME", 109: "IMPORT_FROM",
	110: "JUMP_FORWARD", 114: "POP_JUMP_IF_FALSE", 115: "POP_JUMP_IF_TRUE", 116: "LOAD_GLOBAL",
	117: "IS_OP", 118: "CONTAINS_OP", 119: "RERAISE", 120: "COPY", 121: "RETURN_CONST",
	122: "BINARY_OP", 123: "SEND", 124: "LOAD_FAST", 125: "STORE_FAST", 126: "DELETE_FAST",
	127: "LOAD_FAST_CHECK", 128: "POP_JUMP_IF_NOT_NONE", 129: "POP_JUMP_IF_NONE",
	130: "RAISE_VARARGS", 131: "GET_AWAITABLE", 132: "MAKE_FUNCTION", 133: "BUILD_SLICE",
	134: "JUMP_BACKWARD_NO_INTERRUPT", 135: "MAKE_CELL", 136: "LOAD_CLOSURE", 137: "LOAD_DEREF",
	138: "STORE_DEREF", 139: "DELETE_DEREF", 140: "JUMP_BACKWARD", 141: "LOAD_SUPER_ATTR",
	142: "CALL_FUNCTION_EX", 143: "LOAD_FAST_AND_CLEAR", 144: "EXTENDED_ARG", 145: "LIST_APPEND",
	146: "SET_ADD", 147: "MAP_ADD", 149: "COPY_FREE_VARS", 150: "YIELD_VALUE", 151: "RESUME",
	152: "MATCH_CLASS", 155: "FORMAT_VALUE", 156: "BUILD_CONST_KEY_MAP", 157: "BUILD_STRING",
	162: "LIST_EXTEND", 163: "SET_UPDATE", 164: "DICT_MERGE", 165: "DICT_UPDATE", 171: "CALL",
	172: "KW_NAMES", 173: "CALL_INTRINSIC_1", 174: "CALL_INTRINSIC_2",
	175: "LOAD_FROM_DICT_OR_GLOBALS", 176: "LOAD_FROM_DICT_OR_DEREF",
}

// Inline CACHE units per instruction. Marshaled code carries them zeroed.
var (
	caches311 = map[string]int{
		"BINARY_SUBSCR": 4, "STORE_SUBSCR": 1, "UNPACK_SEQUENCE": 1, "STORE_ATTR": 4,
		"LOAD_ATTR": 4, "COMPARE_OP": 2, "LOAD_GLOBAL": 5, "BINARY_OP": 1, "LOAD_METHOD": 10,
		"PRECALL": 1, "CALL": 4,
	}
	caches312 = map[string]int{
		"BINARY_SUBSCR": 1, "STORE_SUBSCR": 1, "UNPACK_SEQUENCE": 1, "FOR_ITER": 1,
		"STORE_ATTR": 4, "LOAD_ATTR": 9, "COMPARE_OP": 1, "LOAD_GLOBAL": 4, "BINARY_OP": 1,
		"SEND": 1, "LOAD_SUPER_ATTR": 1, "CALL": 3,
	}
)

var compareOps38 = []string{"<", "<=", "==", "!=", ">", ">=", "in", "not in", "is", "is not", "exception match", "BAD"}

var binaryOps = []string{
	"+", "&", "//", "<<", "@", "*", "%", "|", "**", ">>", "-", "/", "^",
	"+=", "&=", "//=", "<<=", "@=", "*=", "%=", "|=", "**=", ">>=", "-=", "/=", "^=",
}

var intrinsics1 = []string{
	"INTRINSIC_1_INVALID", "INTRINSIC_PRINT", "INTRINSIC_IMPORT_STAR", "INTRINSIC_STOPITERATION_ERROR",
	"INTRINSIC_ASYNC_GEN_WRAP", "INTRINSIC_UNARY_POSITIVE", "INTRINSIC_LIST_TO_TUPLE", "INTRINSIC_TYPEVAR",
	"INTRINSIC_PARAMSPEC", "INTRINSIC_TYPEVARTUPLE", "INTRINSIC_SUBSCRIPT_GENERIC", "INTRINSIC_TYPEALIAS",
}

var intrinsics2 = []string{
	"INTRINSIC_2_INVALID", "INTRINSIC_PREP_RERAISE_STAR", "INTRINSIC_TYPEVAR_WITH_BOUND",
	"INTRINSIC_TYPEVAR_WITH_CONSTRAINTS", "INTRINSIC_SET_FUNCTION_TYPE_PARAMS",
}

var (
	formatConverters  = []string{"", "str", "repr", "ascii"}
	makeFunctionFlags = []string{"defaults", "kwdefaults", "annotations", "closure"}
)

var commonKinds = map[string]operandKind{
	"LOAD_CONST": operandConst, "FORMAT_VALUE": operandFormat,

	"STORE_NAME": operandName, "DELETE_NAME": operandName, "STORE_ATTR": operandName,
	"DELETE_ATTR": operandName, "STORE_GLOBAL": operandName, "DELETE_GLOBAL": operandName,
	"LOAD_NAME": operandName, "LOAD_ATTR": operandName, "IMPORT_NAME": operandName,
	"IMPORT_FROM": operandName, "LOAD_GLOBAL": operandName, "LOAD_METHOD": operandName,

	"LOAD_FAST": operandLocal, "STORE_FAST": operandLocal, "DELETE_FAST": operandLocal,

	"LOAD_CLOSURE": operandFree, "LOAD_DEREF": operandFree, "STORE_DEREF": operandFree,
	"DELETE_DEREF": operandFree, "LOAD_CLASSDEREF": operandFree,

	"COMPARE_OP": operandCompare,
}

var jumpKinds310 = map[string]operandKind{
	"FOR_ITER": operandJumpRel, "JUMP_FORWARD": operandJumpRel, "SETUP_LOOP": operandJumpRel,
	"SETUP_EXCEPT": operandJumpRel, "SETUP_FINALLY": operandJumpRel, "SETUP_WITH": operandJumpRel,
	"SETUP_ASYNC_WITH": operandJumpRel, "CALL_FINALLY": operandJumpRel,

	"JUMP_IF_FALSE_OR_POP": operandJumpAbs, "JUMP_IF_TRUE_OR_POP": operandJumpAbs,
	"JUMP_ABSOLUTE": operandJumpAbs, "POP_JUMP_IF_FALSE": operandJumpAbs,
	"POP_JUMP_IF_TRUE": operandJumpAbs, "CONTINUE_LOOP": operandJumpAbs,
	"JUMP_IF_NOT_EXC_MATCH": operandJumpAbs,
}

var jumpKinds311 = map[string]operandKind{
	"FOR_ITER": operandJumpRel, "JUMP_FORWARD": operandJumpRel, "SEND": operandJumpRel,
	"JUMP_IF_FALSE_OR_POP": operandJumpRel, "JUMP_IF_TRUE_OR_POP": operandJumpRel,
	"POP_JUMP_FORWARD_IF_FALSE": operandJumpRel, "POP_JUMP_FORWARD_IF_TRUE": operandJumpRel,
	"POP_JUMP_FORWARD_IF_NONE": operandJumpRel, "POP_JUMP_FORWARD_IF_NOT_NONE": operandJumpRel,

	"JUMP_BACKWARD": operandJumpBack, "JUMP_BACKWARD_NO_INTERRUPT": operandJumpBack,
	"POP_JUMP_BACKWARD_IF_FALSE": operandJumpBack, "POP_JUMP_BACKWARD_IF_TRUE": operandJumpBack,
	"POP_JUMP_BACKWARD_IF_NONE": operandJumpBack, "POP_JUMP_BACKWARD_IF_NOT_NONE": operandJumpBack,

	"BINARY_OP": operandBinary, "KW_NAMES": operandConst, "MAKE_CELL": operandFree,
	"COPY_FREE_VARS": operandPlain,
}

var jumpKinds312 = map[string]operandKind{
	"FOR_ITER": operandJumpRel, "JUMP_FORWARD": operandJumpRel, "SEND": operandJumpRel,
	"POP_JUMP_IF_FALSE": operandJumpRel, "POP_JUMP_IF_TRUE": operandJumpRel,
	"POP_JUMP_IF_NONE": operandJumpRel, "POP_JUMP_IF_NOT_NONE": operandJumpRel,

	"JUMP_BACKWARD": operandJumpBack, "JUMP_BACKWARD_NO_INTERRUPT": operandJumpBack,

	"BINARY_OP": operandBinary, "KW_NAMES": operandConst, "RETURN_CONST": operandConst,
	"MAKE_CELL": operandFree, "LOAD_FROM_DICT_OR_DEREF": operandFree,
	"LOAD_FAST_CHECK": operandLocal, "LOAD_FAST_AND_CLEAR": operandLocal,
	"LOAD_SUPER_ATTR": operandName, "LOAD_FROM_DICT_OR_GLOBALS": operandName,
	"CALL_INTRINSIC_1": operandIntrinsic1, "CALL_INTRINSIC_2": operandIntrinsic2,
	"COPY_FREE_VARS": operandPlain,
}

func buildTable(version string, base map[byte]string, overlays ...overlay) *opTable {
	t := &opTable{version: version, jumpUnit: 1, compare: compareOps38}
	for op, name := range base {
		t.names[op] = name
	}
	for _, o := range overlays {
		for _, op := range o.remove {
			t.names[op] = ""
		}
		for op, name := range o.add {
			t.names[op] = name
		}
	}

	extra := jumpKinds310
	switch version {
	case "3.11":
		extra = jumpKinds311
	case "3.12":
		extra = jumpKinds312
	}
	t.kinds = make(map[string]operandKind, len(commonKinds)+len(extra))
	for k, v := range commonKinds {
		t.kinds[k] = v
	}
	for k, v := range extra {
		t.kinds[k] = v
	}
	if version != "3.7" {
		t.kinds["MAKE_FUNCTION"] = operandMakeFunction
	}
	return t
}

var tables = func() map[string]*opTable {
	t37 := buildTable("3.7", ops38, overlay37)
	t38 := buildTable("3.8", ops38)
	t39 := buildTable("3.9", ops38, overlay39)
	t39.compare = compareOps38[:6]
	t310 := buildTable("3.10", ops38, overlay39, overlay310)
	t310.compare = compareOps38[:6]
	t310.jumpUnit = 2
	t311 := buildTable("3.11", ops311)
	t311.compare = compareOps38[:6]
	t311.jumpUnit = 2
	t311.caches = caches311
	t311.localsPlus = true
	t312 := buildTable("3.12", ops312)
	t312.compare = compareOps38[:6]
	t312.compareShift = 4
	t312.jumpUnit = 2
	t312.caches = caches312
	t312.jumpCaches = true
	t312.localsPlus = true
	return map[string]*opTable{"3.7": t37, "3.8": t38, "3.9": t39, "3.10": t310, "3.11": t311, "3.12": t312}
}()

// SupportedVersions lists the interpreter versions with an opcode table.
var SupportedVersions = []string{"3.7", "3.8", "3.9", "3.10", "3.11", "3.12"}

// IsSupportedVersion reports whether v names one of SupportedVersions.
func IsSupportedVersion(v string) bool {
	return slices.Contains(SupportedVersions, v)
}

// defaultVersion returns the table used when the caller gives no version hint.
func defaultVersion(layout Layout) string {
	switch layout {
	case Layout37:
		return "3.7"
	case Layout311:
		return "3.11"
	}
	return "3.8"
}

// tableFor resolves a requested version against the layout that actually matched.
// A request that contradicts the detected layout is ignored. Without a usable
// request, 3.11 and 3.12 share a layout and are told apart by which opcode table
// the bytecode fits; the returned note explains a guess.
func tableFor(code *Code, layout Layout, requested string) (*opTable, string) {
	v := strings.TrimSpace(requested)
	if t, ok := tables[v]; ok && layoutOf(v) == layout {
		return t, ""
	}
	if layout != Layout311 {
		return tables[defaultVersion(layout)], ""
	}

	t311, t312 := tables["3.11"], tables["3.12"]
	fits311, fits312 := t311.fits(code), t312.fits(code)
	switch {
	case fits311 && !fits312:
		return t311, ""
	case fits312 && !fits311:
		return t312, ""
	case fits311:
		return t311, "bytecode is valid for both python 3.11 and 3.12; rendered with the 3.11 opcode table"
	}
	return t311, "bytecode fits neither the python 3.11 nor the 3.12 opcode table; rendered with the 3.11 table"
}

func layoutOf(version string) Layout {
	switch version {
	case "3.7":
		return Layout37
	case "3.11", "3.12":
		return Layout311
	}
	return Layout38
}
