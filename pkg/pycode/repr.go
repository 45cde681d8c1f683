package pycode

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Repr renders v the way Python's repr() would.
func Repr(v Value) string {
	switch x := v.(type) {
	case Singleton:
		return string(x)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case *big.Int:
		return x.String()
	case float64:
		return floatRepr(x)
	case complex128:
		return complexRepr(x)
	case string:
		return strRepr(x)
	case Bytes:
		return bytesRepr(x)
	case Tuple:
		if len(x) == 1 {
			return "(" + Repr(x[0]) + ",)"
		}
		return "(" + joinRepr(x) + ")"
	case List:
		return "[" + joinRepr(x) + "]"
	case Set:
		if len(x) == 0 {
			return "set()"
		}
		return "{" + joinRepr(x) + "}"
	case FrozenSet:
		if len(x) == 0 {
			return "frozenset()"
		}
		return "frozenset({" + joinRepr(x) + "})"
	case Dict:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = Repr(item.Key) + ": " + Repr(item.Value)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *Code:
		return fmt.Sprintf("<code object %s, file %q, line %d>", x.Name, x.Filename, x.FirstLineNo)
	}
	return fmt.Sprintf("<%T>", v)
}

func joinRepr[S ~[]Value](items S) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = Repr(item)
	}
	return strings.Join(parts, ", ")
}

// floatRepr produces the shortest round-tripping digits, switching to exponent
// notation outside 1e-4 <= |f| < 1e16.
func floatRepr(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}

	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, expPart, _ := strings.Cut(s, "e")
	exp, _ := strconv.Atoi(expPart)
	neg := strings.HasPrefix(mant, "-")
	mant = strings.TrimPrefix(mant, "-")
	digits := strings.Replace(mant, ".", "", 1)

	var out string
	if exp >= -4 && exp < 16 {
		point := exp + 1
		switch {
		case point <= 0:
			out = "0." + strings.Repeat("0", -point) + digits
		case point >= len(digits):
			out = digits + strings.Repeat("0", point-len(digits)) + ".0"
		default:
			out = digits[:point] + "." + digits[point:]
		}
	} else {
		out = digits[:1]
		if len(digits) > 1 {
			out += "." + digits[1:]
		}
		sign := "+"
		if exp < 0 {
			sign, exp = "-", -exp
		}
		out += fmt.Sprintf("e%s%02d", sign, exp)
	}
	if neg {
		out = "-" + out
	}
	return out
}

func complexRepr(c complex128) string {
	re, im := real(c), imag(c)
	imPart := strings.TrimSuffix(floatRepr(im), ".0") + "j"
	if re == 0 && !math.Signbit(re) {
		return imPart
	}
	if !strings.HasPrefix(imPart, "-") {
		imPart = "+" + imPart
	}
	return "(" + strings.TrimSuffix(floatRepr(re), ".0") + imPart + ")"
}

func pickQuote(s string) byte {
	if strings.Contains(s, "'") && !strings.Contains(s, `"`) {
		return '"'
	}
	return '\''
}

func strRepr(s string) string {
	quote := pickQuote(s)
	var b strings.Builder
	b.WriteByte(quote)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			fmt.Fprintf(&b, `\x%02x`, s[i])
			i++
			continue
		}
		i += size
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == rune(quote):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		case r < 0x80 || unicode.IsPrint(r):
			b.WriteRune(r)
		case r <= 0xff:
			fmt.Fprintf(&b, `\x%02x`, r)
		case r <= 0xffff:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			fmt.Fprintf(&b, `\U%08x`, r)
		}
	}
	b.WriteByte(quote)
	return b.String()
}

func bytesRepr(data []byte) string {
	quote := pickQuote(string(data))
	var b strings.Builder
	b.WriteString("b")
	b.WriteByte(quote)
	for _, c := range data {
		switch {
		case c == '\\':
			b.WriteString(`\\`)
		case c == quote:
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\t':
			b.WriteString(`\t`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&b, `\x%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte(quote)
	return b.String()
}
