package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bhakti/pkg/bus"
	"bhakti/pkg/container"
	"bhakti/pkg/container/containertest"
	"bhakti/pkg/inspect"
	"bhakti/pkg/payload"
	"bhakti/pkg/pycode/pycodetest"
	"bhakti/pkg/results"
)

type fakeScans struct {
	mu       sync.Mutex
	enqueued map[uuid.UUID]string
	err      error
}

func (f *fakeScans) Enqueue(_ context.Context, id uuid.UUID, repo string, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueued == nil {
		f.enqueued = map[uuid.UUID]string{}
	}
	f.enqueued[id] = repo
	return nil
}

func (f *fakeScans) Get(_ context.Context, id uuid.UUID) (results.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	repo, ok := f.enqueued[id]
	if !ok {
		return results.Scan{}, results.ErrScanNotFound
	}
	return results.Scan{ID: id, Repo: repo, Status: results.ScanQueued}, nil
}

type fakeAnalyses map[string][]results.Entry

func (f fakeAnalyses) Latest(_ context.Context, repo string) (results.Entry, error) {
	entries := f[repo]
	if len(entries) == 0 {
		return results.Entry{}, results.ErrNotFound
	}
	return entries[0], nil
}

func (f fakeAnalyses) History(_ context.Context, repo string) ([]results.Entry, error) {
	return f[repo], nil
}

type published struct {
	subj  string
	msgID string
	value any
}

type fakeBus struct {
	msgs []published
	err  error
}

func (b *fakeBus) PublishDedup(_ context.Context, subj, msgID string, v any) error {
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, published{subj, msgID, v})
	return nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://s3.test/" + bucket + "/" + key + "?get&ttl=" + ttl.String(), nil
}

func (fakePresigner) PresignPut(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://s3.test/" + bucket + "/" + key + "?put", nil
}

type harness struct {
	api      *API
	handler  http.Handler
	scans    *fakeScans
	bus      *fakeBus
	analyses fakeAnalyses
}

func newHarness(t *testing.T, mutate func(*Deps, *Config)) *harness {
	t.Helper()
	h := &harness{
		scans:    &fakeScans{},
		bus:      &fakeBus{},
		analyses: fakeAnalyses{},
	}
	deps := Deps{
		Scans:     h.scans,
		Analyses:  h.analyses,
		Bus:       h.bus,
		Presigner: fakePresigner{},
		Pipeline:  inspect.New(),
	}
	cfg := Config{IntakeBucket: "intake", QuarantineBucket: "quarantine"}
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	a, err := New(deps, cfg)
	require.NoError(t, err)
	a.now = func() time.Time { return time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC) }
	h.api = a
	h.handler = a.Routes()
	return h
}

func (h *harness) do(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.ErrorContains(t, err, "scan queue is required")
	_, err = New(Deps{Scans: &fakeScans{}, Analyses: fakeAnalyses{}, Bus: &fakeBus{}}, Config{})
	require.ErrorContains(t, err, "pipeline is required")
}

func TestCreateScan(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/v1/scans", []byte(`{"repo": "author/model"}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	scan := decodeBody[results.Scan](t, rec)
	assert.Equal(t, "author/model", scan.Repo)
	assert.Equal(t, results.ScanQueued, scan.Status)
	assert.Equal(t, "author/model", h.scans.enqueued[scan.ID])

	require.Len(t, h.bus.msgs, 1)
	msg := h.bus.msgs[0]
	assert.Equal(t, bus.SubjectRequested, msg.subj)
	assert.Equal(t, "author/model", msg.msgID)
	req, ok := msg.value.(bus.ScanRequested)
	require.True(t, ok)
	assert.Equal(t, scan.ID, req.ScanID)
	assert.Equal(t, "api", req.Source)

	rec = h.do(http.MethodGet, "/v1/scans/"+scan.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, scan.ID, decodeBody[results.Scan](t, rec).ID)
}

func TestCreateScanDedupKeyFollowsLastModified(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/v1/scans", []byte(`{"repo": "author/model", "last_modified": "2023-05-01T10:00:00Z"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.bus.msgs, 1)
	assert.Equal(t, "author/model@2023-05-01T10:00:00Z", h.bus.msgs[0].msgID)
}

func TestCreateScanRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not a repo", `{"repo": "model"}`},
		{"traversal", `{"repo": "../model"}`},
		{"unknown field", `{"repo": "author/model", "priority": 1}`},
		{"not json", `repo=author/model`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			rec := h.do(http.MethodPost, "/v1/scans", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, h.bus.msgs)
		})
	}
}

func TestCreateScanPublishFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.err = errors.New("nats: no responders")
	rec := h.do(http.MethodPost, "/v1/scans", []byte(`{"repo": "author/model"}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decodeBody[map[string]string](t, rec)["error"], "no responders")
}

func TestGetScanErrors(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/scans/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/scans/"+uuid.NewString(), nil).Code)
}

func TestInspectAttributeUpload(t *testing.T) {
	h := newHarness(t, nil)
	encoded := payload.Encode(pycodetest.HelloLambda38())
	body := containertest.H5(containertest.ModelConfig(containertest.LambdaLayer("lambda", encoded)), true)

	rec := h.do(http.MethodPost, "/v1/inspect?filename=model.h5", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[inspect.Record](t, rec)
	assert.Equal(t, "model.h5", got.ID)
	assert.Equal(t, container.KindAttribute, got.Type)
	assert.True(t, got.ContainsCode)
	assert.Equal(t, encoded, got.ExtractedEncodedCode)
	assert.Equal(t, "lambda", got.LayerName)
	require.NotNil(t, got.Disassembly)
	assert.False(t, got.Disassembly.Failed())
}

func TestInspectStructuredUpload(t *testing.T) {
	h := newHarness(t, nil)
	body := containertest.SavedMetadata(containertest.LayerNode(1, "layer-0", containertest.DenseMetadata("dense")))

	rec := h.do(http.MethodPost, "/v1/inspect?kind=pb", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[inspect.Record](t, rec)
	assert.Equal(t, "upload", got.ID)
	assert.Equal(t, container.KindStructured, got.Type)
	assert.False(t, got.ContainsCode)
}

func TestInspectRejects(t *testing.T) {
	h := newHarness(t, func(_ *Deps, cfg *Config) { cfg.MaxUploadBytes = 16 })

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/inspect", []byte("x")).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/inspect?kind=onnx", []byte("x")).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/inspect?filename=model.h5", nil).Code)
	rec := h.do(http.MethodPost, "/v1/inspect?filename=model.h5", bytes.Repeat([]byte("a"), 64))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAnalyses(t *testing.T) {
	h := newHarness(t, nil)
	scanned := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.analyses["author/model"] = []results.Entry{
		{Repo: "author/model", Version: results.LatestVersion, File: "model.h5", ScannedAt: scanned,
			Record: &inspect.Record{ID: "author/model", ContainsCode: true}},
		{Repo: "author/model", Version: "v1", File: "model.h5", ScannedAt: scanned.Add(-time.Hour),
			Record: &inspect.Record{ID: "author/model"}},
	}
	h.analyses["author/clean"] = []results.Entry{
		{Repo: "author/clean", Version: results.LatestVersion, File: "model.h5", Record: &inspect.Record{ID: "author/clean"}},
	}

	rec := h.do(http.MethodGet, "/v1/analyses/author/model", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	latest := decodeBody[results.Entry](t, rec)
	assert.Equal(t, results.LatestVersion, latest.Version)
	assert.True(t, latest.Record.ContainsCode)

	rec = h.do(http.MethodGet, "/v1/analyses/author/model/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[struct {
		Repo     string          `json:"repo"`
		Analyses []results.Entry `json:"analyses"`
	}](t, rec)
	assert.Equal(t, "author/model", history.Repo)
	require.Len(t, history.Analyses, 2)
	assert.Equal(t, "v1", history.Analyses[1].Version)

	rec = h.do(http.MethodGet, "/v1/analyses/author/model/artifact", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://s3.test/quarantine/author/model/model.h5?get&ttl=15m0s", decodeBody[map[string]any](t, rec)["url"])

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/analyses/author/clean/artifact", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/analyses/author/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/analyses/author/missing/history", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/analyses/author/../history", nil).Code)
}

func TestArtifactWithoutQuarantine(t *testing.T) {
	h := newHarness(t, func(deps *Deps, _ *Config) { deps.Presigner = nil })
	assert.Equal(t, http.StatusFailedDependency, h.do(http.MethodGet, "/v1/analyses/author/model/artifact", nil).Code)
	assert.Equal(t, http.StatusFailedDependency, h.do(http.MethodPost, "/v1/uploads", []byte(`{"filename": "model.h5"}`)).Code)
}

func TestUpload(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/v1/uploads", []byte(`{"filename": "../../saved/keras_metadata.pb"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decodeBody[map[string]string](t, rec)
	assert.True(t, strings.HasPrefix(got["locator"], "s3://intake/uploads/"), got["locator"])
	assert.True(t, strings.HasSuffix(got["locator"], "/keras_metadata.pb"), got["locator"])
	assert.True(t, strings.HasSuffix(got["upload_url"], "/keras_metadata.pb?put"), got["upload_url"])
	assert.Equal(t, "2024-02-03T04:20:06Z", got["expires_at"])

	rec = h.do(http.MethodPost, "/v1/uploads", []byte(`{"filename": "weights.bin"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	ready := errors.New("database unavailable")
	h := newHarness(t, func(deps *Deps, _ *Config) {
		deps.Ready = func(context.Context) error { return ready }
	})
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/readyz", nil).Code)
	ready = nil
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/metrics", nil).Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(_ *Deps, cfg *Config) { cfg.RateLimit = 2 })
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/analyses/author/missing", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, h.do(http.MethodGet, "/v1/analyses/author/missing", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", nil).Code)
}

func TestCORS(t *testing.T) {
	h := newHarness(t, func(_ *Deps, cfg *Config) { cfg.AllowedOrigins = []string{"https://ui.example"} })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://ui.example")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
