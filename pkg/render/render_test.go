package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bhakti/pkg/container"
	"bhakti/pkg/inspect"
	"bhakti/pkg/pycode"
)

func strp(s string) *string { return &s }

func TestRenderReport(t *testing.T) {
	engine, err := New()
	require.NoError(t, err)

	rec := &inspect.Record{
		ID:                   "author/model",
		Type:                 container.KindStructured,
		ContainsCode:         true,
		ExtractedEncodedCode: "4wEAAA==",
		LayerName:            "lambda",
		LambdaLayerCount:     2,
		Disassembly: &inspect.Disassembly{
			Name:   "<lambda>",
			Python: "3.8",
			Listing: []pycode.Instruction{
				{Offset: 0, Op: "LOAD_GLOBAL", Arg: strp("0 (print)")},
				{Offset: 2, Op: "RETURN_VALUE"},
			},
		},
		StringList: []string{"print"},
		Notes:      []string{"found 2 Lambda layers"},
	}

	out, err := engine.Render(Report, rec)
	require.NoError(t, err)
	for _, want := range []string{
		"== author/model (structured)",
		"contains code: yes",
		"lambda layer:  lambda (first of 2)",
		"  4wEAAA==",
		"disassembly of <lambda> (python 3.8):",
		"       0 LOAD_GLOBAL 0 (print)",
		"       2 RETURN_VALUE\n",
		`  "print"`,
		"  - found 2 Lambda layers",
	} {
		assert.Contains(t, out, want)
	}
}

func TestRenderReportFailure(t *testing.T) {
	engine, err := New()
	require.NoError(t, err)

	out, err := engine.Render(Report, &inspect.Record{
		ID:          "x.h5",
		Type:        container.KindAttribute,
		Disassembly: &inspect.Disassembly{FailureReason: "pycode: not a code object"},
		Notes:       []string{},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "contains code: no")
	assert.Contains(t, out, "disassembly failed: pycode: not a code object")
	assert.NotContains(t, out, "notes:")
}

func TestRenderSummary(t *testing.T) {
	engine, err := New()
	require.NoError(t, err)

	out, err := engine.Render(Summary, []*inspect.Record{
		{ID: "a/b", ContainsCode: true},
		{ID: "c/d"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "inspected 2 artifact(s)")
	assert.Contains(t, out, "CODE  a/b")
	assert.Contains(t, out, "ok    c/d")
}

func TestRenderUnknownTemplate(t *testing.T) {
	engine, err := New()
	require.NoError(t, err)
	_, err = engine.Render("missing.tmpl", nil)
	require.Error(t, err)

	var nilEngine *Engine
	_, err = nilEngine.Render(Report, nil)
	require.Error(t, err)
}
