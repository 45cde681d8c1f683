package payload

import "iter"

// DefaultMinLen is the shortest run Strings reports when no threshold is given.
const DefaultMinLen = 4

// printable mirrors Python's string.printable over single-byte characters.
var printable = func() [256]bool {
	var table [256]bool
	for c := '0'; c <= '9'; c++ {
		table[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		table[c] = true
		table[c-'a'+'A'] = true
	}
	for _, c := range "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~ \t\n\r\x0b\x0c" {
		table[c] = true
	}
	return table
}()

// Strings yields the runs of printable bytes in data that are at least minLen long,
// in order of their first byte. Every byte maps to exactly one character, so the
// scan never fails on invalid multi-byte sequences. The returned sequence holds no
// state between iterations and can be ranged over any number of times.
func Strings(data []byte, minLen int) iter.Seq[string] {
	if minLen <= 0 {
		minLen = DefaultMinLen
	}
	return func(yield func(string) bool) {
		start := -1
		for i, b := range data {
			if printable[b] {
				if start < 0 {
					start = i
				}
				continue
			}
			if start >= 0 && i-start >= minLen {
				if !yield(string(data[start:i])) {
					return
				}
			}
			start = -1
		}
		if start >= 0 && len(data)-start >= minLen {
			yield(string(data[start:]))
		}
	}
}

// CollectStrings materialises Strings into a slice. The result is never nil.
func CollectStrings(data []byte, minLen int) []string {
	out := []string{}
	for s := range Strings(data, minLen) {
		out = append(out, s)
	}
	return out
}
