package jsonl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rec struct {
	N    int    `json:"n"`
	Text string `json:"text"`
}

func readAll(t *testing.T, path string) []string {
	t.Helper()
	var lines []string
	require.NoError(t, Each(path, func(_ int, line []byte) error {
		lines = append(lines, string(line))
		return nil
	}))
	return lines
}

func TestAppendAndEach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grok.jsonl")
	assert.Empty(t, readAll(t, path), "missing file has no lines")

	require.NoError(t, Append(path, rec{N: 1, Text: "a <b>"}))
	require.NoError(t, Append(path, rec{N: 2}))
	assert.Equal(t, []string{`{"n":1,"text":"a <b>"}`, `{"n":2,"text":""}`}, readAll(t, path))
}

func TestEachSkipsBlankLinesAndKeepsNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"n\":1}\n\n  \n{\"n\":2}"), 0o644))
	var nums []int
	require.NoError(t, Each(path, func(lineNo int, _ []byte) error {
		nums = append(nums, lineNo)
		return nil
	}))
	assert.Equal(t, []int{1, 4}, nums)
}

func TestRewriteReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.jsonl")
	require.NoError(t, Append(path, rec{N: 1}))
	require.NoError(t, Rewrite(path, []rec{{N: 7}, {N: 8}}))
	assert.Equal(t, []string{`{"n":7,"text":""}`, `{"n":8,"text":""}`}, readAll(t, path))

	require.NoError(t, Rewrite[rec](path, nil))
	assert.Empty(t, readAll(t, path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestRewriteFailureKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.jsonl")
	require.NoError(t, Append(path, rec{N: 1}))
	require.NoError(t, Append(path, rec{N: 2}))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	errRename := errors.New("rename refused")
	renameFile = func(string, string) error { return errRename }
	t.Cleanup(func() { renameFile = os.Rename })

	err = Rewrite(path, []rec{{N: 9}})
	assert.ErrorIs(t, err, errRename)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p.jsonl", entries[0].Name())
}

func TestLockExclusiveTimesOut(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "p.jsonl")
	unlock, err := Lock(ctx, path, time.Second, false)
	require.NoError(t, err)

	_, err = Lock(ctx, path, 30*time.Millisecond, false)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, unlock())
	again, err := Lock(ctx, path, time.Second, true)
	require.NoError(t, err)
	require.NoError(t, again())
}

func TestCheckName(t *testing.T) {
	assert.NoError(t, CheckName("gemini_flash"))
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
		assert.Error(t, CheckName(bad), bad)
	}
}
