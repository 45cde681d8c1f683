// Package checker runs the inspection pipeline over local files, bucket
// objects and hub repositories and reports the records the way the bhakti
// command line prints them.
package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"bhakti/pkg/container"
	"bhakti/pkg/fetch"
	"bhakti/pkg/inspect"
	"bhakti/pkg/registry"
	"bhakti/pkg/render"
	"bhakti/pkg/results"
)

// Format selects how records are written to the output.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatText Format = "text"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatYAML, FormatText:
		return f, nil
	case "":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown format %q (want json, yaml or text)", s)
}

// Resolver turns a locator into a local file.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (*fetch.Resolved, error)
}

// Config configures a Checker.
type Config struct {
	Resolver Resolver
	Pipeline *inspect.Pipeline
	// ResultsFile receives one JSON line per record. When empty, records are
	// written to Stdout in Format.
	ResultsFile string
	Format      Format
	CleanUp     bool
	Concurrency int
	Stdout      io.Writer
	Logger      *log.Logger
}

// Checker inspects a set of locators.
type Checker struct {
	cfg    Config
	sink   *results.FileSink
	engine *render.Engine
	logger *log.Logger
}

// New validates cfg.
func New(cfg Config) (*Checker, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if _, err := ParseFormat(string(cfg.Format)); err != nil {
		return nil, err
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	engine, err := render.New()
	if err != nil {
		return nil, err
	}
	c := &Checker{cfg: cfg, engine: engine, logger: logger}
	if cfg.ResultsFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.ResultsFile), 0o755); err != nil {
			return nil, fmt.Errorf("create results directory: %w", err)
		}
		if c.sink, err = results.NewFileSink(cfg.ResultsFile); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Check fetches and inspects every locator. Locators that cannot be fetched or
// read are logged and skipped; the returned error counts them once every other
// artifact has been reported.
func (c *Checker) Check(ctx context.Context, locators []string) ([]inspect.Record, error) {
	if len(locators) == 0 {
		return nil, errors.New("nothing to check")
	}

	var (
		handles  []inspect.ArtifactHandle
		resolved []*fetch.Resolved
		failed   int
	)
	for _, raw := range locators {
		res, err := c.cfg.Resolver.Resolve(ctx, raw)
		if err != nil {
			failed++
			c.logFetchError(raw, err)
			continue
		}
		h, err := handleFor(res)
		if err != nil {
			failed++
			c.logger.Printf("ERROR %s: %v", raw, err)
			c.cleanUp(res)
			continue
		}
		c.logger.Printf("INFO checking %s for a keras lambda layer", h.ID)
		handles = append(handles, h)
		resolved = append(resolved, res)
	}

	batch := c.cfg.Pipeline.InspectBatch(ctx, handles, c.cfg.Concurrency)
	for _, res := range resolved {
		c.cleanUp(res)
	}

	records := make([]inspect.Record, 0, len(batch))
	for _, b := range batch {
		if b.Err != nil {
			failed++
			c.logger.Printf("ERROR %s: %v", b.Handle.ID, b.Err)
			continue
		}
		c.logRecord(b.Record)
		records = append(records, *b.Record)
	}

	if err := c.report(records); err != nil {
		return records, err
	}
	if failed > 0 {
		return records, fmt.Errorf("%d of %d artifact(s) could not be checked", failed, len(locators))
	}
	return records, nil
}

// handleFor picks the container kind from the artifact's file name. Bucket
// objects and hub files keep their remote name; the local copy may not.
func handleFor(res *fetch.Resolved) (inspect.ArtifactHandle, error) {
	name := res.File
	if name == "" {
		name = res.Path
	}
	kind, ok := container.KindFromPath(name)
	if !ok {
		return inspect.ArtifactHandle{}, fmt.Errorf("%s is neither a keras_metadata.pb nor an .h5 file", filepath.Base(name))
	}
	return inspect.ArtifactHandle{ID: res.ID, Kind: kind, Source: inspect.FileSource(res.Path)}, nil
}

func (c *Checker) logFetchError(raw string, err error) {
	switch {
	case errors.Is(err, registry.ErrUnauthorized):
		c.logger.Printf("ERROR not authorized to retrieve %s; pass a token with access to it", raw)
	case errors.Is(err, registry.ErrNoKerasFile):
		c.logger.Printf("WARN %s has no keras metadata or .h5 file", raw)
	case errors.Is(err, registry.ErrNotFound):
		c.logger.Printf("ERROR %s was not found", raw)
	default:
		c.logger.Printf("ERROR fetch %s: %v", raw, err)
	}
}

func (c *Checker) logRecord(rec *inspect.Record) {
	if !rec.ContainsCode {
		c.logger.Printf("INFO no code found in %s", rec.ID)
		return
	}
	c.logger.Printf("WARN found code in %s (layer %q)", rec.ID, rec.LayerName)
	if rec.Disassembly.Failed() {
		c.logger.Printf("WARN could not disassemble the payload of %s: %s", rec.ID, rec.Disassembly.FailureReason)
	}
	if len(rec.StringList) == 0 {
		c.logger.Printf("INFO no printable strings in the payload of %s", rec.ID)
	}
}

func (c *Checker) cleanUp(res *fetch.Resolved) {
	if !c.cfg.CleanUp {
		return
	}
	if err := res.Cleanup(); err != nil {
		c.logger.Printf("WARN clean up %s: %v", res.ID, err)
	}
}

func (c *Checker) report(records []inspect.Record) error {
	if c.sink != nil {
		for i := range records {
			if err := c.sink.Append(&records[i]); err != nil {
				return err
			}
		}
		c.logger.Printf("INFO wrote %d record(s) to %s", len(records), c.sink.Path())
		if err := c.engine.Execute(c.cfg.Stdout, render.Summary, records); err != nil {
			return err
		}
		_, err := fmt.Fprintln(c.cfg.Stdout)
		return err
	}
	return WriteRecords(c.cfg.Stdout, c.cfg.Format, c.engine, records)
}

// WriteRecords prints records in format.
func WriteRecords(w io.Writer, format Format, engine *render.Engine, records []inspect.Record) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		for i := range records {
			if err := enc.Encode(&records[i]); err != nil {
				return err
			}
		}
		return enc.Close()
	case FormatText:
		for i := range records {
			if err := engine.Execute(w, render.Report, &records[i]); err != nil {
				return err
			}
			fmt.Fprint(w, "\n\n")
		}
		if err := engine.Execute(w, render.Summary, records); err != nil {
			return err
		}
		_, err := fmt.Fprintln(w)
		return err
	default:
		enc := json.NewEncoder(w)
		for i := range records {
			if err := enc.Encode(&records[i]); err != nil {
				return err
			}
		}
		return nil
	}
}
