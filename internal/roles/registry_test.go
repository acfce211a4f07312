package roles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCard(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeCard(t, dir, "socrates.json", `{"name":"Socrates","prompt":"You are Socrates.","style":"asks questions","greeting":"What is virtue?"}`)
	writeCard(t, dir, "marx.json", `{"name":"Marx","system":"You are Karl Marx."}`)

	reg, err := Load(dir)
	require.NoError(t, err)

	rc, ok := reg.Get("socrates")
	require.True(t, ok)
	assert.Equal(t, "Socrates", rc.Name)
	assert.Equal(t, "You are Socrates.", rc.SystemPrompt)
	assert.Equal(t, "asks questions", rc.StyleHints)

	// legacy "system" field is honored
	rc, ok = reg.Get("marx")
	require.True(t, ok)
	assert.Equal(t, "You are Karl Marx.", rc.SystemPrompt)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestLoadSkipsMalformedAndEmptyPrompt(t *testing.T) {
	dir := t.TempDir()
	writeCard(t, dir, "good.json", `{"name":"Good","prompt":"hello"}`)
	writeCard(t, dir, "empty.json", `{"name":"Empty","prompt":"   "}`)
	writeCard(t, dir, "broken.json", `{not json`)
	writeCard(t, dir, "notes.txt", `ignored`)

	reg, err := Load(dir)
	require.NoError(t, err)

	assert.Len(t, reg.List(), 1)
	_, ok := reg.Get("good")
	assert.True(t, ok)
}

func TestLoadMissingDirYieldsEmptyCatalog(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, reg.List())
}

func TestListSortedBySlug(t *testing.T) {
	dir := t.TempDir()
	writeCard(t, dir, "zeno.json", `{"prompt":"z"}`)
	writeCard(t, dir, "aristotle.json", `{"prompt":"a"}`)

	reg, err := Load(dir)
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "aristotle", list[0].Slug)
	assert.Equal(t, "zeno", list[1].Slug)
	// name defaults to slug
	assert.Equal(t, "aristotle", list[0].Name)
}
