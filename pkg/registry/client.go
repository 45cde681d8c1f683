// Package registry talks to the Hugging Face hub: model descriptions, the
// paginated model listing and file downloads.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"bhakti/pkg/telemetry"
)

// DefaultBaseURL is the public hub.
const DefaultBaseURL = "https://huggingface.co"

var (
	// ErrUnauthorized is returned for 401 and 403 responses, typically gated repos.
	ErrUnauthorized = errors.New("registry: unauthorized")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("registry: not found")
	// ErrTransient is returned when retries are exhausted on 429, 5xx or network errors.
	ErrTransient = errors.New("registry: transient failure")
	// ErrNoKerasFile is returned when a model has neither keras_metadata.pb nor .h5.
	ErrNoKerasFile = errors.New("registry: no keras file")
)

// Client is a hub API client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	logger     *log.Logger
	initial    time.Duration
	maxElapsed time.Duration
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetry sets the first retry delay and the total time spent retrying.
func WithRetry(initial, maxElapsed time.Duration) Option {
	return func(c *Client) {
		c.initial = initial
		c.maxElapsed = maxElapsed
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		http:       &http.Client{Transport: telemetry.NewTransport(nil)},
		logger:     log.New(io.Discard, "", 0),
		initial:    500 * time.Millisecond,
		maxElapsed: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model fetches the full description of repo.
func (c *Client) Model(ctx context.Context, repo string) (*Model, error) {
	if err := ValidateRepo(repo); err != nil {
		return nil, err
	}
	resp, err := c.get(ctx, c.baseURL+"/api/models/"+escapeRepo(repo))
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", repo, err)
	}
	defer resp.Body.Close()

	var m Model
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("model %s: decode: %w", repo, err)
	}
	if m.ID == "" {
		m.ID = repo
	}
	return &m, nil
}

// ListURL is the first page of the full model listing. search narrows it to
// matching repository ids when set.
func (c *Client) ListURL(search string, limit int) string {
	q := url.Values{}
	q.Set("full", "full")
	if search != "" {
		q.Set("search", search)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.baseURL + "/api/models?" + q.Encode()
}

// ListModels fetches one page of the model listing and returns the URL of the
// next page, or "" on the last page.
func (c *Client) ListModels(ctx context.Context, pageURL string) ([]Model, string, error) {
	if pageURL == "" {
		pageURL = c.ListURL("", 0)
	}
	resp, err := c.get(ctx, pageURL)
	if err != nil {
		return nil, "", fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	var models []Model
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, "", fmt.Errorf("list models: decode: %w", err)
	}
	return models, c.nextPage(resp.Header.Get("Link")), nil
}

var linkRE = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)

func (c *Client) nextPage(link string) string {
	m := linkRE.FindStringSubmatch(link)
	if m == nil {
		return ""
	}
	next, err := url.Parse(m[1])
	if err != nil {
		return ""
	}
	base, err := url.Parse(c.baseURL)
	if err != nil || next.Host != base.Host {
		c.logger.Printf("WARN registry: ignoring next page on foreign host %q", next.Host)
		return ""
	}
	return next.String()
}

// Download stores file of repo under dir/<author>/<model>/<file> and returns
// the local path. Partial downloads never appear under the final name.
func (c *Client) Download(ctx context.Context, repo, file, dir string) (string, error) {
	if err := ValidateRepo(repo); err != nil {
		return "", err
	}
	dest, err := localPath(dir, repo, file)
	if err != nil {
		return "", err
	}

	link := c.baseURL + "/" + escapeRepo(repo) + "/resolve/main/" + escapePath(file)
	c.logger.Printf("INFO registry: downloading %s", link)
	resp, err := c.get(ctx, link)
	if err != nil {
		return "", fmt.Errorf("download %s/%s: %w", repo, file, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download %s/%s: %w: %w", repo, file, ErrTransient, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return dest, nil
}

// Fetched describes a downloaded Keras artifact.
type Fetched struct {
	Repo  string
	File  string
	Path  string
	Model *Model
}

// Fetch resolves the Keras file of repo and downloads it into dir.
func (c *Client) Fetch(ctx context.Context, repo, dir string) (*Fetched, error) {
	m, err := c.Model(ctx, repo)
	if err != nil {
		return nil, err
	}
	file, ok := m.KerasFile()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKerasFile, repo)
	}
	path, err := c.Download(ctx, repo, file, dir)
	if err != nil {
		return &Fetched{Repo: repo, File: file, Model: m}, err
	}
	return &Fetched{Repo: repo, File: file, Path: path, Model: m}, nil
}

// Cleanup removes a downloaded file and the per-repo directories above it
// when they are empty.
func Cleanup(dir, repo, path string) error {
	if path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if ValidateRepo(repo) != nil {
		return nil
	}
	author, model, _ := strings.Cut(repo, "/")
	for _, d := range []string{filepath.Join(dir, author, model), filepath.Join(dir, author)} {
		removeEmptyTree(d)
	}
	return nil
}

// removeEmptyTree deletes d if it holds nothing but empty directories.
func removeEmptyTree(d string) {
	entries, err := os.ReadDir(d)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			return
		}
		removeEmptyTree(filepath.Join(d, e.Name()))
	}
	_ = os.Remove(d)
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial

	return backoff.Retry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "bhakti")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, fmt.Errorf("%w: %w", ErrTransient, err)
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, classify(resp)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.maxElapsed),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.logger.Printf("WARN registry: %v; retrying in %s", err, d)
		}),
	)
}

func classify(resp *http.Response) error {
	status := fmt.Sprintf("%s: %s", resp.Request.URL.Path, resp.Status)
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, status))
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, status))
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return fmt.Errorf("%w: %s: %w", ErrTransient, status, backoff.RetryAfter(secs))
		}
		return fmt.Errorf("%w: %s", ErrTransient, status)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrTransient, status)
	}
	return backoff.Permanent(fmt.Errorf("registry: unexpected status %s", status))
}

func escapeRepo(repo string) string {
	author, model, _ := strings.Cut(repo, "/")
	return url.PathEscape(author) + "/" + url.PathEscape(model)
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

func localPath(dir, repo, file string) (string, error) {
	root := filepath.Join(dir, filepath.FromSlash(repo))
	dest := filepath.Join(root, filepath.FromSlash(file))
	if file == "" || !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return "", fmt.Errorf("registry: file %q escapes the download directory", file)
	}
	return dest, nil
}
