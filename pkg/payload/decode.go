package payload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAlphabet is returned when an encoded payload is not valid standard base64.
var ErrInvalidAlphabet = errors.New("payload: invalid base64 alphabet")

// Decode reverses the base64 transform Keras applies to serialized Lambda functions.
//
// ASCII whitespace is ignored because func_dump emits MIME-style output with a line
// break every 76 characters. Non-zero trailing bits in the last quantum are
// accepted, as Python's decoder accepts them when Keras loads the layer. Anything
// outside the standard alphabet, or missing padding, yields ErrInvalidAlphabet.
func Decode(encoded string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '\v', '\f':
			return -1
		}
		return r
	}, encoded)

	out, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		var corrupt base64.CorruptInputError
		if errors.As(err, &corrupt) {
			return nil, fmt.Errorf("%w: offset %d", ErrInvalidAlphabet, int64(corrupt))
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlphabet, err)
	}
	return out, nil
}

// Encode is the inverse of Decode.
func Encode(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
