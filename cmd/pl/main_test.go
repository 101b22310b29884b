package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptline/internal/report"
)

func TestReadResponse(t *testing.T) {
	got, err := readResponse(nil, "inline text", "")
	require.NoError(t, err)
	assert.Equal(t, "inline text", got)

	got, err = readResponse(strings.NewReader("from stdin"), "", "-")
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	path := filepath.Join(t.TempDir(), "answer.txt")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o644))
	got, err = readResponse(nil, "", path)
	require.NoError(t, err)
	assert.Equal(t, "from file", got)

	_, err = readResponse(nil, "a", path)
	assert.Error(t, err)
	_, err = readResponse(nil, "", "")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"admin", "annotator"}, splitList(" admin, ,annotator "))
	assert.Nil(t, splitList(""))
}

func TestRenderSummary(t *testing.T) {
	sum := report.Summary{
		Total:  3,
		Models: []report.ModelTotal{{Model: "grok", Label: "Grok", Count: 2}, {Model: "claude", Label: "Claude", Count: 1}},
		Contributors: []report.Contributor{
			{Username: "ann", Counts: map[string]int{"grok": 2, "claude": 1}, Total: 3},
		},
		Dates: []string{"2024-03-30", "2024-03-31"},
		Daily: []report.DailyActivity{{Username: "ann", Counts: []int{1, 2}}},
	}
	var buf bytes.Buffer
	renderSummary(&buf, sum, true)
	out := buf.String()
	assert.Contains(t, out, "GROK")
	assert.Contains(t, out, "ann")
	assert.Contains(t, out, "activity 2024-03-30 .. 2024-03-31")
	assert.Contains(t, out, "1 2")
}
