package inspect_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bhakti/pkg/container"
	"bhakti/pkg/container/containertest"
	"bhakti/pkg/inspect"
	"bhakti/pkg/payload"
	"bhakti/pkg/pycode/pycodetest"
)

func h5Handle(id string, layers ...map[string]any) inspect.ArtifactHandle {
	data := containertest.H5(containertest.ModelConfig(layers...), true)
	return inspect.ArtifactHandle{ID: id, Kind: container.KindAttribute, Source: inspect.BytesSource(data)}
}

func pbHandle(id string, nodes ...containertest.Node) inspect.ArtifactHandle {
	data := containertest.SavedMetadata(nodes...)
	return inspect.ArtifactHandle{ID: id, Kind: container.KindStructured, Source: inspect.BytesSource(data)}
}

func anyContains(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func ops(d *inspect.Disassembly) []string {
	out := make([]string, len(d.Listing))
	for i, ins := range d.Listing {
		out[i] = ins.Op
	}
	return out
}

func TestInspectAttributeContainer(t *testing.T) {
	encoded := payload.Encode(pycodetest.HelloLambda38())
	h := h5Handle("author/model", containertest.DenseLayer("dense"), containertest.LambdaLayer("lambda", encoded))

	rec, err := inspect.New().Inspect(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, "author/model", rec.ID)
	assert.Equal(t, container.KindAttribute, rec.Type)
	assert.True(t, rec.ContainsCode)
	assert.Equal(t, encoded, rec.ExtractedEncodedCode)
	assert.Equal(t, "lambda", rec.LayerName)
	assert.Equal(t, 1, rec.LambdaLayerCount)
	assert.Len(t, rec.PayloadSHA256, 64)
	assert.Empty(t, rec.Notes)

	require.NotNil(t, rec.Disassembly)
	assert.False(t, rec.Disassembly.Failed())
	assert.Equal(t, "<lambda>", rec.Disassembly.Name)
	assert.Equal(t, "3.8", rec.Disassembly.Python)
	assert.Equal(t, []string{"LOAD_GLOBAL", "LOAD_CONST", "CALL_FUNCTION", "RETURN_VALUE"}, ops(rec.Disassembly))

	assert.True(t, anyContains(rec.StringList, "hello"))
	assert.True(t, anyContains(rec.StringList, "print"))
	assert.True(t, anyContains(rec.StringList, "/tmp/train.py"))
}

func TestInspectStructuredContainer(t *testing.T) {
	encoded := payload.Encode(pycodetest.HelloLambda311())
	h := pbHandle("author/model",
		containertest.LayerNode(1, "root.layer-0", containertest.DenseMetadata("dense")),
		containertest.LayerNode(2, "root.layer-1", containertest.LambdaMetadata("lambda", encoded)),
	)

	rec, err := inspect.New(inspect.WithPythonVersion("3.11")).Inspect(context.Background(), h)
	require.NoError(t, err)

	assert.Equal(t, container.KindStructured, rec.Type)
	assert.True(t, rec.ContainsCode)
	require.NotNil(t, rec.Disassembly)
	assert.Equal(t, "3.11", rec.Disassembly.Python)
	assert.Contains(t, ops(rec.Disassembly), "PRECALL")
}

func TestInspectPython312Payload(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "pycode", "testdata", "stager-3.12.marshal"))
	require.NoError(t, err)
	h := h5Handle("author/model", containertest.LambdaLayer("lambda", payload.Encode(raw)))

	rec, err := inspect.New().Inspect(context.Background(), h)
	require.NoError(t, err)
	require.NotNil(t, rec.Disassembly)
	assert.Equal(t, "3.12", rec.Disassembly.Python)
	assert.Contains(t, ops(rec.Disassembly), "END_FOR")
	assert.Contains(t, ops(rec.Disassembly), "LOAD_FAST_AND_CLEAR")
	assert.Empty(t, rec.Notes)
	assert.True(t, anyContains(rec.StringList, "/etc/passwd"))
}

func addOneLambda(filename string) []byte {
	return pycodetest.Marshal(pycodetest.Code{
		Layout:          "3.11",
		ArgCount:        1,
		StackSize:       2,
		Flags:           0x03,
		Bytecode:        []byte{0x97, 0x00, 0x7c, 0x00, 0x64, 0x01, 0x7a, 0x00, 0x00, 0x00, 0x53, 0x00},
		Consts:          []any{nil, 1},
		LocalsPlusNames: []any{"x"},
		LocalsPlusKinds: []byte{0x20},
		Filename:        filename,
		Name:            "<lambda>",
		QualName:        "<lambda>",
		FirstLineNo:     1,
	})
}

func TestInspectNotesAmbiguousPythonVersion(t *testing.T) {
	h := h5Handle("author/model", containertest.LambdaLayer("lambda", payload.Encode(addOneLambda("train.py"))))

	rec, err := inspect.New().Inspect(context.Background(), h)
	require.NoError(t, err)
	require.NotNil(t, rec.Disassembly)
	assert.Equal(t, "3.11", rec.Disassembly.Python)
	assert.True(t, anyContains(rec.Notes, "valid for both python 3.11 and 3.12"))

	rec, err = inspect.New(inspect.WithPythonVersion("3.12")).Inspect(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "3.12", rec.Disassembly.Python)
	assert.Empty(t, rec.Notes)
}

// Python's decoder ignores the unused low bits of the last base64 quantum, so
// a payload edited there still loads in Keras and must still be analyzed.
func TestInspectNonCanonicalPadding(t *testing.T) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

	var raw []byte
	for _, name := range []string{"a.py", "ab.py", "abc.py"} {
		if raw = addOneLambda(name); len(raw)%3 != 0 {
			break
		}
	}
	encoded := payload.Encode(raw)
	body := strings.TrimRight(encoded, "=")
	require.NotEqual(t, encoded, body)
	last := strings.IndexByte(alphabet, body[len(body)-1])
	tampered := body[:len(body)-1] + string(alphabet[last+1]) + encoded[len(body):]

	rec, err := inspect.New().Inspect(context.Background(), h5Handle("author/model", containertest.LambdaLayer("lambda", tampered)))
	require.NoError(t, err)
	assert.True(t, rec.ContainsCode)
	require.NotNil(t, rec.Disassembly)
	assert.False(t, rec.Disassembly.Failed())
	assert.Equal(t, []string{"RESUME", "LOAD_FAST", "LOAD_CONST", "BINARY_OP", "RETURN_VALUE"}, ops(rec.Disassembly))
	assert.False(t, anyContains(rec.Notes, "could not be decoded"))
}

func TestInspectNoFinding(t *testing.T) {
	handles := []inspect.ArtifactHandle{
		h5Handle("h5", containertest.DenseLayer("dense")),
		pbHandle("pb", containertest.LayerNode(1, "root.layer-0", containertest.DenseMetadata("dense"))),
	}
	for _, h := range handles {
		t.Run(h.ID, func(t *testing.T) {
			rec, err := inspect.New().Inspect(context.Background(), h)
			require.NoError(t, err)
			assert.False(t, rec.ContainsCode)
			assert.Nil(t, rec.Disassembly)
			assert.Empty(t, rec.StringList)

			out, err := json.Marshal(rec)
			require.NoError(t, err)
			assert.Contains(t, string(out), `"notes":[]`)
			assert.NotContains(t, string(out), "disassembly")
		})
	}
}

func TestInspectDecodeFailure(t *testing.T) {
	h := h5Handle("id", containertest.LambdaLayer("lambda", "not*base64!"))

	rec, err := inspect.New().Inspect(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, rec.ContainsCode)
	assert.Equal(t, "not*base64!", rec.ExtractedEncodedCode)
	assert.Nil(t, rec.Disassembly)
	assert.Nil(t, rec.StringList)
	assert.Empty(t, rec.PayloadSHA256)
	require.Len(t, rec.Notes, 1)
	assert.Contains(t, rec.Notes[0], "could not be decoded")
}

func TestInspectPayloadNotCode(t *testing.T) {
	encoded := payload.Encode([]byte("import os; os.system('id')"))
	h := h5Handle("id", containertest.LambdaLayer("lambda", encoded))

	rec, err := inspect.New().Inspect(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, rec.ContainsCode)
	require.NotNil(t, rec.Disassembly)
	assert.True(t, rec.Disassembly.Failed())
	assert.Contains(t, rec.Disassembly.FailureReason, "not a code object")
	assert.Empty(t, rec.Disassembly.Listing)
	assert.Equal(t, []string{"import os; os.system('id')"}, rec.StringList)
}

func TestInspectLambdaWithoutPayload(t *testing.T) {
	layer := map[string]any{
		"class_name": "Lambda",
		"name":       "lambda",
		"config":     map[string]any{"name": "lambda", "function": "scale", "function_type": "function"},
	}
	rec, err := inspect.New().Inspect(context.Background(), h5Handle("id", layer))
	require.NoError(t, err)
	assert.False(t, rec.ContainsCode)
	assert.Equal(t, "lambda", rec.LayerName)
	require.Len(t, rec.Notes, 1)
	assert.Contains(t, rec.Notes[0], "by name")
}

func TestInspectMalformedContainer(t *testing.T) {
	h := inspect.ArtifactHandle{ID: "junk.h5", Kind: container.KindAttribute, Source: inspect.BytesSource([]byte("junk"))}

	rec, err := inspect.New().Inspect(context.Background(), h)
	require.NoError(t, err)
	assert.False(t, rec.ContainsCode)
	require.Len(t, rec.Notes, 1)
	assert.Contains(t, rec.Notes[0], "could not be parsed")
}

func TestInspectUnreadableSource(t *testing.T) {
	h := inspect.ArtifactHandle{
		ID:     "missing",
		Kind:   container.KindAttribute,
		Source: inspect.FileSource(filepath.Join(t.TempDir(), "missing.h5")),
	}
	rec, err := inspect.New().Inspect(context.Background(), h)
	require.ErrorIs(t, err, inspect.ErrSourceUnreadable)
	assert.Nil(t, rec)

	h.Source = nil
	_, err = inspect.New().Inspect(context.Background(), h)
	require.ErrorIs(t, err, inspect.ErrSourceUnreadable)
}

func TestInspectStructuredReadFailure(t *testing.T) {
	src := &fakeSource{blob: &fakeBlob{size: 64, readErr: errors.New("connection reset")}}
	h := inspect.ArtifactHandle{ID: "id", Kind: container.KindStructured, Source: src}

	_, err := inspect.New().Inspect(context.Background(), h)
	require.ErrorIs(t, err, inspect.ErrSourceUnreadable)
	assert.True(t, src.blob.closed.Load())
}

func TestInspectRecoversPanics(t *testing.T) {
	src := &fakeSource{blob: &fakeBlob{size: 4096, panics: true}}
	h := inspect.ArtifactHandle{ID: "id", Kind: container.KindAttribute, Source: src}

	rec, err := inspect.New().Inspect(context.Background(), h)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.ContainsCode)
	require.Len(t, rec.Notes, 1)
	assert.Contains(t, rec.Notes[0], "internal error while parsing_container")
	assert.True(t, src.blob.closed.Load())
}

func TestInspectIsIdempotent(t *testing.T) {
	encoded := payload.Encode(pycodetest.HelloLambda38())
	p := inspect.New()

	var outputs [][]byte
	for range 3 {
		h := h5Handle("id", containertest.LambdaLayer("lambda", encoded), containertest.LambdaLayer("lambda_1", encoded))
		rec, err := p.Inspect(context.Background(), h)
		require.NoError(t, err)
		out, err := json.Marshal(rec)
		require.NoError(t, err)
		outputs = append(outputs, out)
	}
	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[1], outputs[2])
}

func TestInspectLogsTransitions(t *testing.T) {
	var buf bytes.Buffer
	p := inspect.New(inspect.WithLogger(log.New(&buf, "", 0)))

	h := h5Handle("author/model", containertest.LambdaLayer("lambda", payload.Encode(pycodetest.HelloLambda38())))
	_, err := p.Inspect(context.Background(), h)
	require.NoError(t, err)

	logs := buf.String()
	for _, want := range []string{
		"DEBUG inspect author/model: new -> fetching",
		"parsing_container -> has_finding",
		"has_finding -> decoding",
		"decoded -> disassembling",
		"disassembling -> string_scanning",
		"string_scanning -> done",
	} {
		assert.Contains(t, logs, want)
	}
}

func TestInspectMinStringLength(t *testing.T) {
	encoded := payload.Encode([]byte("abc\x00abcdefgh"))
	h := h5Handle("id", containertest.LambdaLayer("lambda", encoded))

	rec, err := inspect.New(inspect.WithMinStringLength(3)).Inspect(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "abcdefgh"}, rec.StringList)

	rec, err = inspect.New(inspect.WithMinStringLength(5)).Inspect(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, []string{"abcdefgh"}, rec.StringList)
}

func TestInspectCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := inspect.New().Inspect(ctx, h5Handle("id"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestInspectBatchPreservesOrder(t *testing.T) {
	encoded := payload.Encode(pycodetest.HelloLambda38())
	handles := []inspect.ArtifactHandle{
		h5Handle("first", containertest.LambdaLayer("lambda", encoded)),
		{ID: "second", Kind: container.KindAttribute, Source: inspect.FileSource(filepath.Join(t.TempDir(), "nope.h5"))},
		h5Handle("third", containertest.DenseLayer("dense")),
		pbHandle("fourth", containertest.LayerNode(1, "root.layer-0", containertest.LambdaMetadata("lambda", encoded))),
	}

	results := inspect.New().InspectBatch(context.Background(), handles, 2)
	require.Len(t, results, len(handles))
	for i, res := range results {
		assert.Equal(t, handles[i].ID, res.Handle.ID)
	}

	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Record.ContainsCode)
	require.ErrorIs(t, results[1].Err, inspect.ErrSourceUnreadable)
	require.NoError(t, results[2].Err)
	assert.False(t, results[2].Record.ContainsCode)
	require.NoError(t, results[3].Err)
	assert.True(t, results[3].Record.ContainsCode)
}

func TestHandleForPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.h5")
	data := containertest.H5(containertest.ModelConfig(containertest.LambdaLayer("lambda", payload.Encode(pycodetest.HelloLambda38()))), false)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	h, err := inspect.HandleForPath(path, "")
	require.NoError(t, err)
	assert.Equal(t, path, h.ID)
	assert.Equal(t, container.KindAttribute, h.Kind)

	rec, err := inspect.New().Inspect(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, rec.ContainsCode)

	_, err = inspect.HandleForPath(filepath.Join(dir, "model.onnx"), "")
	require.Error(t, err)
}

type fakeSource struct {
	blob *fakeBlob
}

func (s *fakeSource) Open() (inspect.Blob, error) { return s.blob, nil }

type fakeBlob struct {
	size    int64
	readErr error
	panics  bool
	closed  atomic.Bool
}

func (b *fakeBlob) ReadAt(p []byte, off int64) (int, error) {
	if b.panics {
		panic("disk on fire")
	}
	if b.readErr != nil {
		return 0, b.readErr
	}
	return 0, io.EOF
}

func (b *fakeBlob) Size() int64 { return b.size }

func (b *fakeBlob) Close() error {
	b.closed.Store(true)
	return nil
}
