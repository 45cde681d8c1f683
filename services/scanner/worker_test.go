package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bhakti/pkg/bus"
	"bhakti/pkg/container/containertest"
	"bhakti/pkg/fetch"
	"bhakti/pkg/inspect"
	"bhakti/pkg/payload"
	"bhakti/pkg/pycode/pycodetest"
	"bhakti/pkg/registry"
	"bhakti/pkg/results"
)

type published struct {
	subject string
	value   any
}

type fakeBus struct {
	mu        sync.Mutex
	published []published
	handler   bus.Handler
}

func (b *fakeBus) Publish(_ context.Context, subj string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{subj, v})
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, subj, durable string, fn bus.Handler) (io.Closer, error) {
	b.handler = fn
	return io.NopCloser(nil), nil
}

type fakeResolver struct {
	dir   string
	files map[string][]byte
	model map[string]*registry.Model
	errs  map[string]error
}

func (r *fakeResolver) ResolveLocator(_ context.Context, loc fetch.Locator) (*fetch.Resolved, error) {
	if err := r.errs[loc.Repo]; err != nil {
		return nil, err
	}
	data, ok := r.files[loc.Repo]
	if !ok {
		return nil, registry.ErrNotFound
	}
	path := filepath.Join(r.dir, strings.ReplaceAll(loc.Repo, "/", "_")+".h5")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return &fetch.Resolved{Locator: loc, Path: path, File: "model.h5", ID: loc.Repo, Model: r.model[loc.Repo]}, nil
}

type fakeStore struct {
	mu    sync.Mutex
	saved []results.Entry
}

func (s *fakeStore) Save(_ context.Context, e results.Entry) (results.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, e)
	e.Version = results.LatestVersion
	return e, nil
}

type fakeScans struct {
	started  []uuid.UUID
	finished map[uuid.UUID]string
}

func (s *fakeScans) Start(_ context.Context, id uuid.UUID, repo string) error {
	s.started = append(s.started, id)
	return nil
}

func (s *fakeScans) Finish(_ context.Context, id uuid.UUID, status, message string, at time.Time) error {
	if s.finished == nil {
		s.finished = map[uuid.UUID]string{}
	}
	s.finished[id] = status
	return nil
}

type fakePutter struct {
	keys   []string
	bodies map[string][]byte
}

func (p *fakePutter) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, sum string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size || len(sum) != 64 {
		return errors.New("bad upload")
	}
	if p.bodies == nil {
		p.bodies = map[string][]byte{}
	}
	p.keys = append(p.keys, bucket+"/"+key)
	p.bodies[key] = data
	return nil
}

type harness struct {
	worker   *Worker
	bus      *fakeBus
	resolver *fakeResolver
	store    *fakeStore
	scans    *fakeScans
	putter   *fakePutter
	metrics  *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus: &fakeBus{},
		resolver: &fakeResolver{
			dir:   t.TempDir(),
			files: map[string][]byte{},
			model: map[string]*registry.Model{},
			errs:  map[string]error{},
		},
		store:   &fakeStore{},
		scans:   &fakeScans{},
		putter:  &fakePutter{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	w, err := NewWorker(Deps{
		Bus:              h.bus,
		Fetcher:          h.resolver,
		Pipeline:         inspect.New(),
		Results:          h.store,
		Scans:            h.scans,
		Quarantine:       h.putter,
		QuarantineBucket: "quarantine",
		Metrics:          h.metrics,
	})
	require.NoError(t, err)
	h.worker = w
	require.NoError(t, w.Start(context.Background()))
	require.NotNil(t, h.bus.handler)
	return h
}

func request(t *testing.T, req bus.ScanRequested) []byte {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return data
}

func lambdaModel() []byte {
	encoded := payload.Encode(pycodetest.HelloLambda38())
	return containertest.H5(containertest.ModelConfig(containertest.DenseLayer("dense"), containertest.LambdaLayer("lambda", encoded)), true)
}

func TestScanStoresLambdaFinding(t *testing.T) {
	h := newHarness(t)
	modified := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)
	h.resolver.files["author/model"] = lambdaModel()
	h.resolver.model["author/model"] = &registry.Model{ID: "author/model", LastModified: modified}

	id := uuid.New()
	require.NoError(t, h.bus.handler(context.Background(), request(t, bus.ScanRequested{ScanID: id, Repo: "author/model"})))

	require.Len(t, h.store.saved, 1)
	saved := h.store.saved[0]
	assert.Equal(t, "author/model", saved.Repo)
	assert.Equal(t, "model.h5", saved.File)
	assert.False(t, saved.Private)
	require.NotNil(t, saved.LastModified)
	assert.True(t, saved.LastModified.Equal(modified))
	require.NotNil(t, saved.Record)
	assert.True(t, saved.Record.ContainsCode)

	assert.Equal(t, []string{"quarantine/author/model/model.h5"}, h.putter.keys)
	assert.Equal(t, lambdaModel(), h.putter.bodies["author/model/model.h5"])

	require.Len(t, h.bus.published, 1)
	assert.Equal(t, bus.SubjectCompleted, h.bus.published[0].subject)
	evt := h.bus.published[0].value.(bus.ScanCompleted)
	assert.Equal(t, id, evt.ScanID)
	assert.Equal(t, bus.ScanStatusDone, evt.Status)
	assert.True(t, evt.ContainsCode)
	assert.Equal(t, saved.Record.PayloadSHA256, evt.PayloadSHA256)
	assert.Equal(t, "s3://quarantine/author/model/model.h5", evt.Quarantine)
	assert.False(t, evt.FinishedAt.IsZero())

	assert.Equal(t, []uuid.UUID{id}, h.scans.started)
	assert.Equal(t, bus.ScanStatusDone, h.scans.finished[id])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.withCode))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.scans.WithLabelValues(bus.ScanStatusDone)))
}

func TestScanCleanModelIsNotQuarantined(t *testing.T) {
	h := newHarness(t)
	h.resolver.files["author/clean"] = containertest.H5(containertest.ModelConfig(containertest.DenseLayer("dense")), true)
	h.resolver.model["author/clean"] = &registry.Model{ID: "author/clean", Gated: json.RawMessage(`"auto"`)}

	evt, err := h.worker.Scan(context.Background(), bus.ScanRequested{ScanID: uuid.New(), Repo: "author/clean"})
	require.NoError(t, err)
	assert.Equal(t, bus.ScanStatusDone, evt.Status)
	assert.False(t, evt.ContainsCode)
	assert.Empty(t, h.putter.keys)
	require.Len(t, h.store.saved, 1)
	assert.True(t, h.store.saved[0].Private)
}

func TestScanGatedRepoIsStoredPrivate(t *testing.T) {
	h := newHarness(t)
	modified := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	h.resolver.errs["gated/model"] = registry.ErrUnauthorized

	id := uuid.New()
	require.NoError(t, h.bus.handler(context.Background(), request(t, bus.ScanRequested{ScanID: id, Repo: "gated/model", LastModified: &modified})))

	require.Len(t, h.store.saved, 1)
	assert.True(t, h.store.saved[0].Private)
	assert.Nil(t, h.store.saved[0].Record)
	assert.Equal(t, &modified, h.store.saved[0].LastModified)

	evt := h.bus.published[0].value.(bus.ScanCompleted)
	assert.Equal(t, bus.ScanStatusPrivate, evt.Status)
	assert.Equal(t, bus.ScanStatusPrivate, h.scans.finished[id])
}

func TestScanTransientFailureIsRedelivered(t *testing.T) {
	h := newHarness(t)
	h.resolver.errs["flaky/model"] = registry.ErrTransient

	id := uuid.New()
	err := h.bus.handler(context.Background(), request(t, bus.ScanRequested{ScanID: id, Repo: "flaky/model"}))
	require.ErrorIs(t, err, registry.ErrTransient)
	assert.Empty(t, h.bus.published)
	assert.Empty(t, h.store.saved)
	assert.NotContains(t, h.scans.finished, id)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.scans.WithLabelValues("retry")))
}

func TestScanPermanentFailureIsReported(t *testing.T) {
	h := newHarness(t)

	id := uuid.New()
	require.NoError(t, h.bus.handler(context.Background(), request(t, bus.ScanRequested{ScanID: id, Repo: "missing/model"})))
	require.Len(t, h.bus.published, 1)
	evt := h.bus.published[0].value.(bus.ScanCompleted)
	assert.Equal(t, bus.ScanStatusFailed, evt.Status)
	assert.Contains(t, evt.Error, "not found")
	assert.Equal(t, bus.ScanStatusFailed, h.scans.finished[id])
}

func TestMalformedRequestsAreDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bus.handler(context.Background(), []byte("{")))
	require.NoError(t, h.bus.handler(context.Background(), request(t, bus.ScanRequested{Repo: "no-slash"})))
	assert.Empty(t, h.bus.published)
	assert.Empty(t, h.scans.started)
}

func TestClaimSkipsConcurrentScansOfARepo(t *testing.T) {
	h := newHarness(t)
	first, second := uuid.New(), uuid.New()
	require.True(t, h.worker.claim("a/b", first))
	assert.True(t, h.worker.claim("a/b", first))
	assert.False(t, h.worker.claim("a/b", second))

	require.NoError(t, h.bus.handler(context.Background(), request(t, bus.ScanRequested{ScanID: second, Repo: "a/b"})))
	assert.Empty(t, h.bus.published)

	h.worker.release("a/b", first)
	assert.True(t, h.worker.claim("a/b", second))
}

func TestIdle(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.worker.now = func() time.Time { return now }
	h.worker.touch()

	assert.False(t, h.worker.Idle(time.Minute))
	now = now.Add(2 * time.Minute)
	assert.True(t, h.worker.Idle(time.Minute))

	h.worker.inflight.Add(1)
	assert.False(t, h.worker.Idle(time.Minute))
	h.worker.inflight.Add(-1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, h.worker.WaitIdle(ctx, time.Hour, time.Millisecond))
	assert.True(t, h.worker.WaitIdle(context.Background(), time.Minute, time.Millisecond))
}

func TestNewWorkerValidation(t *testing.T) {
	_, err := NewWorker(Deps{})
	require.Error(t, err)
	_, err = NewWorker(Deps{Bus: &fakeBus{}, Fetcher: &fakeResolver{}, Pipeline: inspect.New(), Results: &fakeStore{}, Quarantine: &fakePutter{}})
	require.ErrorContains(t, err, "quarantine bucket")
}

func TestLogBufferKeepsRecentLines(t *testing.T) {
	b := NewLogBuffer(20)
	for _, line := range []string{"first line\n", "second line\n", "third\n"} {
		_, err := b.Write([]byte(line))
		require.NoError(t, err)
	}
	data, dropped := b.Bytes()
	assert.True(t, dropped)
	assert.Equal(t, "second line\nthird\n", string(data))
}

func TestShipLogs(t *testing.T) {
	p := &fakePutter{}
	logs := bytes.Repeat([]byte(`{"level":"INFO","msg":"scanned"}`+"\n"), 50)
	key := LogKey("scanner", "host-1", time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC))
	assert.Equal(t, "logs/scanner/2024/02/03/host-1-1706933106.log.zst", key)

	require.NoError(t, ShipLogs(context.Background(), p, "logs", key, logs))
	compressed := p.bodies[key]
	assert.Less(t, len(compressed), len(logs))

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(compressed, nil)
	require.NoError(t, err)
	assert.Equal(t, logs, plain)
}
