// Package container locates the first Keras Lambda layer in a model artifact and
// pulls out its encoded function payload.
//
// Two container kinds are supported: the keras_metadata.pb node graph written by
// SavedModel exports, and the model_config root attribute of .h5 saves. Parsers
// never fail on a missing layer; that is the common case and yields a nil
// Finding. Deviations that do not prevent a result are reported to a
// Diagnostics sink instead of being returned as errors.
package container

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrMalformed is returned when the container bytes do not match the format.
var ErrMalformed = errors.New("container: malformed")

// Kind names a container format.
type Kind string

const (
	KindStructured Kind = "structured"
	KindAttribute  Kind = "attribute"
)

// KindFromPath picks the container kind from a file name.
func KindFromPath(path string) (Kind, bool) {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(base, "keras_metadata.pb"), strings.HasSuffix(base, ".pb"):
		return KindStructured, true
	case strings.HasSuffix(base, ".h5"), strings.HasSuffix(base, ".hdf5"):
		return KindAttribute, true
	}
	return "", false
}

// ParseKind accepts the kind names and the file extensions that imply them.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "structured", "pb", "metadata":
		return KindStructured, nil
	case "attribute", "h5", "hdf5":
		return KindAttribute, nil
	}
	return "", fmt.Errorf("unknown container kind %q", s)
}

// Finding is the first Lambda layer of a container.
type Finding struct {
	ClassName    string
	LayerName    string
	FunctionType string
	Module       string
	// EncodedFunction is the base64 payload exactly as stored, or empty when the
	// layer carries none.
	EncodedFunction string
	Kind            Kind
	// LambdaCount is the number of Lambda layers seen, including the first.
	LambdaCount int
}

// Diagnostics receives notes about recoverable deviations.
type Diagnostics interface {
	Notef(format string, args ...any)
}

// Notes is an append-only Diagnostics sink.
type Notes []string

func (n *Notes) Notef(format string, args ...any) {
	*n = append(*n, fmt.Sprintf(format, args...))
}

type discard struct{}

func (discard) Notef(string, ...any) {}

// Discard drops every note.
var Discard Diagnostics = discard{}

func malformed(id string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMalformed, id, err)
}
