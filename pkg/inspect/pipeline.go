// Package inspect runs one artifact through container parsing, payload decoding,
// disassembly and string scanning, producing a Record.
package inspect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bhakti/pkg/container"
	"bhakti/pkg/payload"
	"bhakti/pkg/pycode"
)

// ErrSourceUnreadable is returned when the artifact bytes cannot be opened or
// read. Every other failure is reported inside the Record.
var ErrSourceUnreadable = errors.New("inspect: source unreadable")

// DefaultMaxMetadataSize bounds how much of a structured container is read into
// memory.
const DefaultMaxMetadataSize = 256 << 20

type state string

const (
	stateNew           state = "new"
	stateFetching      state = "fetching"
	stateParsing       state = "parsing_container"
	stateNoFinding     state = "no_finding"
	stateHasFinding    state = "has_finding"
	stateDecoding      state = "decoding"
	stateDecodeFailed  state = "decode_failed"
	stateDecoded       state = "decoded"
	stateDisassembling state = "disassembling"
	stateScanning      state = "string_scanning"
	stateDone          state = "done"
)

// Pipeline inspects artifacts. It holds only configuration and is safe for
// concurrent use.
type Pipeline struct {
	logger      *log.Logger
	minLen      int
	python      string
	maxMetadata int64
	tracer      trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger that receives state transitions at DEBUG.
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMinStringLength sets the shortest printable run reported in string_list.
func WithMinStringLength(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.minLen = n
		}
	}
}

// WithPythonVersion hints the interpreter version the payload was marshaled by.
func WithPythonVersion(v string) Option {
	return func(p *Pipeline) { p.python = v }
}

// WithMaxMetadataSize caps the size of structured containers.
func WithMaxMetadataSize(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxMetadata = n
		}
	}
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:      log.New(io.Discard, "", 0),
		minLen:      payload.DefaultMinLen,
		maxMetadata: DefaultMaxMetadataSize,
		tracer:      otel.Tracer("bhakti/inspect"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run is the mutable state of one Inspect call.
type run struct {
	p     *Pipeline
	id    string
	state state
	rec   *Record
}

func (r *run) to(s state) {
	r.p.logger.Printf("DEBUG inspect %s: %s -> %s", r.id, r.state, s)
	r.state = s
}

func (r *run) Notef(format string, args ...any) {
	r.rec.Notes = append(r.rec.Notes, fmt.Sprintf(format, args...))
}

// Inspect analyzes one artifact. The handle is not modified.
func (p *Pipeline) Inspect(ctx context.Context, h ArtifactHandle) (rec *Record, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, span := p.tracer.Start(ctx, "inspect.artifact", trace.WithAttributes(
		attribute.String("artifact.id", h.ID),
		attribute.String("artifact.kind", string(h.Kind)),
	))
	defer span.End()

	r := &run{
		p:     p,
		id:    h.ID,
		state: stateNew,
		rec:   &Record{ID: h.ID, Type: h.Kind, Notes: []string{}},
	}

	r.to(stateFetching)
	if h.Source == nil {
		return nil, fmt.Errorf("%w: %s: no source", ErrSourceUnreadable, h.ID)
	}
	blob, err := h.Source.Open()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, h.ID, err)
	}
	defer func() {
		if cerr := blob.Close(); cerr != nil {
			p.logger.Printf("WARN inspect %s: close: %v", h.ID, cerr)
		}
	}()
	defer func() {
		if v := recover(); v != nil {
			p.logger.Printf("ERROR inspect %s: panic in %s: %v", h.ID, r.state, v)
			r.Notef("internal error while %s: %v", r.state, v)
			r.to(stateDone)
			rec, err = r.rec, nil
		}
	}()

	r.to(stateParsing)
	finding, err := p.parse(r, h, blob)
	if errors.Is(err, ErrSourceUnreadable) {
		span.RecordError(err)
		return nil, err
	}
	if err != nil {
		r.Notef("container could not be parsed: %v", err)
		r.to(stateNoFinding)
		return r.finish(span), nil
	}
	if finding == nil {
		r.to(stateNoFinding)
		return r.finish(span), nil
	}

	r.to(stateHasFinding)
	r.rec.LayerName = finding.LayerName
	r.rec.LambdaLayerCount = finding.LambdaCount
	if finding.EncodedFunction == "" {
		return r.finish(span), nil
	}
	r.rec.ContainsCode = true
	r.rec.ExtractedEncodedCode = finding.EncodedFunction

	r.to(stateDecoding)
	raw, err := payload.Decode(finding.EncodedFunction)
	if err != nil {
		r.to(stateDecodeFailed)
		r.Notef("encoded function could not be decoded: %v", err)
		return r.finish(span), nil
	}
	r.to(stateDecoded)
	sum := sha256.Sum256(raw)
	r.rec.PayloadSHA256 = hex.EncodeToString(sum[:])

	r.to(stateDisassembling)
	listing, err := pycode.Disassemble(raw, pycode.WithPythonVersion(p.python))
	if err != nil {
		r.rec.Disassembly = &Disassembly{FailureReason: err.Error()}
		r.Notef("payload is not a disassemblable code object")
	} else {
		r.rec.Disassembly = disassemblyOf(listing)
		for _, n := range listing.Notes {
			r.Notef("%s", n)
		}
	}

	r.to(stateScanning)
	r.rec.StringList = payload.CollectStrings(raw, p.minLen)

	return r.finish(span), nil
}

func (r *run) finish(span trace.Span) *Record {
	r.to(stateDone)
	span.SetAttributes(attribute.Bool("artifact.contains_code", r.rec.ContainsCode))
	return r.rec
}

func (p *Pipeline) parse(r *run, h ArtifactHandle, blob Blob) (*container.Finding, error) {
	switch h.Kind {
	case container.KindStructured:
		size := blob.Size()
		if size > p.maxMetadata {
			return nil, fmt.Errorf("%w: %s: metadata is %d bytes, limit %d", container.ErrMalformed, h.ID, size, p.maxMetadata)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(io.NewSectionReader(blob, 0, size), data); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, h.ID, err)
		}
		return container.ParseMetadata(data, h.ID, r)
	case container.KindAttribute:
		return container.ParseAttributes(blob, blob.Size(), h.ID, r)
	}
	return nil, fmt.Errorf("unknown container kind %q", h.Kind)
}
