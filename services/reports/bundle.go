// Package reports packs results files into signed tar.zst evidence bundles
// and verifies them.
package reports

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"bhakti/pkg/results"
)

const (
	manifestName  = "manifest.yaml"
	resultsPrefix = "results"
)

// BuildConfig configures Build.
type BuildConfig struct {
	// Inputs are results files (JSON lines) or rendered reports.
	Inputs []string
	Output string
	Signer *Signer
	Now    func() time.Time
	Stdout io.Writer
}

// Build writes a signed bundle of cfg.Inputs to cfg.Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if len(cfg.Inputs) == 0 {
		return nil, errors.New("at least one input file is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if !cfg.Signer.CanSign() {
		return nil, errors.New("a signer with a secret key is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	files, summary, err := describeInputs(ctx, cfg.Inputs)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Summary:          summary,
		Files:            files,
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	if m.Signature, err = cfg.Signer.Sign(payload); err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	body, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	sources := make(map[string]string, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		sources[filepath.Base(in)] = in
	}
	if err := writeBundle(cfg.Output, body, m.CreatedAt, files, sources); err != nil {
		os.Remove(cfg.Output)
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d files, %d records, %d with code)\n",
		cfg.Output, len(files), summary.Records, summary.ContainsCode)
	return m, nil
}

func describeInputs(ctx context.Context, inputs []string) ([]File, Summary, error) {
	var (
		files   []File
		summary Summary
		seen    = map[string]bool{}
	)
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, Summary{}, err
		}
		name := filepath.Base(in)
		if seen[name] {
			return nil, Summary{}, fmt.Errorf("duplicate file name %q", name)
		}
		seen[name] = true

		data, err := os.ReadFile(in)
		if err != nil {
			return nil, Summary{}, fmt.Errorf("read %s: %w", in, err)
		}
		sum := sha256.Sum256(data)
		f := File{
			Path:   name,
			Kind:   inferKind(name),
			Size:   int64(len(data)),
			SHA256: hex.EncodeToString(sum[:]),
		}
		if f.Kind == "results" {
			records, err := results.ReadRecords(bytes.NewReader(data))
			if err != nil {
				return nil, Summary{}, fmt.Errorf("%s: %w", in, err)
			}
			f.Records = len(records)
			summary.Records += len(records)
			for _, r := range records {
				if r.ContainsCode {
					summary.ContainsCode++
				}
				if r.ContainsCode && r.Disassembly == nil {
					summary.Undecodable++
				}
			}
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, summary, nil
}

func inferKind(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".jsonl"), strings.HasSuffix(lower, ".json"):
		return "results"
	case strings.HasSuffix(lower, ".txt"):
		return "report"
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		return "report"
	default:
		return "file"
	}
}

func writeBundle(output string, manifest []byte, modTime time.Time, files []File, sources map[string]string) error {
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(enc)

	if err := writeEntry(tw, manifestName, modTime, int64(len(manifest)), bytes.NewReader(manifest)); err != nil {
		return err
	}
	for _, f := range files {
		src, err := os.Open(sources[f.Path])
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Path, err)
		}
		err = writeEntry(tw, path.Join(resultsPrefix, f.Path), modTime, f.Size, src)
		src.Close()
		if err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return out.Close()
}

func writeEntry(tw *tar.Writer, name string, modTime time.Time, size int64, r io.Reader) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     size,
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, r); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// VerifyConfig configures Verify.
type VerifyConfig struct {
	BundlePath string
	Signer     *Signer
	// ExtractDir receives the bundled files when set.
	ExtractDir string
	Stdout     io.Writer
}

// Verify checks the manifest signature and every file digest of a bundle.
func Verify(ctx context.Context, cfg VerifyConfig) (*Manifest, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	in, err := os.Open(cfg.BundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer in.Close()
	dec, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	var (
		manifestBytes []byte
		seen          = map[string]File{}
	)
	tr := tar.NewReader(dec)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		if name == manifestName {
			if manifestBytes, err = io.ReadAll(tr); err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}
		rel, ok := strings.CutPrefix(name, resultsPrefix+"/")
		if !ok || rel == "" || strings.Contains(rel, "/") {
			return nil, fmt.Errorf("unexpected entry %q", hdr.Name)
		}
		f, err := digestEntry(tr, rel, cfg.ExtractDir)
		if err != nil {
			return nil, err
		}
		seen[rel] = f
	}

	if len(manifestBytes) == 0 {
		return nil, errors.New("bundle missing " + manifestName)
	}
	var m Manifest
	if err := yaml.Unmarshal(manifestBytes, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	if m.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := cfg.Signer.Verify(payload, m.Signature, m.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}

	for _, f := range m.Files {
		got, ok := seen[f.Path]
		if !ok {
			return nil, fmt.Errorf("file %q missing from bundle", f.Path)
		}
		if got.Size != f.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", f.Path, f.Size, got.Size)
		}
		if !strings.EqualFold(got.SHA256, f.SHA256) {
			return nil, fmt.Errorf("sha256 mismatch for %q", f.Path)
		}
		delete(seen, f.Path)
	}
	for extra := range seen {
		return nil, fmt.Errorf("file %q is not listed in the manifest", extra)
	}

	fmt.Fprintf(cfg.Stdout, "verified bundle signed at %s by %s (%d files, %d records, %d with code)\n",
		m.CreatedAt.Format(time.RFC3339), m.SigningPublicKey, len(m.Files), m.Summary.Records, m.Summary.ContainsCode)
	return &m, nil
}

func digestEntry(r io.Reader, rel, extractDir string) (File, error) {
	h := sha256.New()
	w := io.Writer(h)
	if extractDir != "" {
		if err := os.MkdirAll(extractDir, 0o755); err != nil {
			return File{}, err
		}
		out, err := os.Create(filepath.Join(extractDir, rel))
		if err != nil {
			return File{}, fmt.Errorf("extract %s: %w", rel, err)
		}
		defer out.Close()
		w = io.MultiWriter(h, out)
	}
	n, err := io.Copy(w, r)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", rel, err)
	}
	return File{Path: rel, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}
