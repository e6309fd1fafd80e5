// ABOUTME: Tests for the embedded module catalog
// ABOUTME: Checks parsing of titles, key points, rendering, and attribute-name lookup

package catalog

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_LoadsFiveModules(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	require.Equal(t, 5, c.Len())

	want := []string{
		"Introduction to SSI V2",
		"Digital Identity Fundamentals V2",
		"Blockchain and SSI V2",
		"Privacy and Security in SSI V2",
		"Implementing SSI Solutions V2",
	}
	for i, m := range c.All() {
		assert.Equal(t, i+1, m.ID)
		assert.Equal(t, want[i], m.Title)
		assert.Len(t, m.KeyPoints, 4, "module %d", m.ID)
		assert.NotEmpty(t, m.Summary)
		assert.Contains(t, string(m.HTML), "<li>")
		assert.NotContains(t, string(m.HTML), "<h1>", "title is rendered by the page, not the body")
	}
}

func TestGetAndByTitle(t *testing.T) {
	c := MustDefault()

	m, err := c.Get(3)
	require.NoError(t, err)
	assert.Equal(t, "Blockchain and SSI V2", m.Title)
	assert.Equal(t, "Blockchain basics and its relevance to SSI", m.KeyPoints[0])

	_, err = c.Get(0)
	assert.ErrorIs(t, err, ErrUnknownModule)
	_, err = c.Get(6)
	assert.ErrorIs(t, err, ErrUnknownModule)

	m, err = c.ByTitle("Privacy and Security in SSI V2")
	require.NoError(t, err)
	assert.Equal(t, 4, m.ID)

	_, err = c.ByTitle("Nope")
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestTitleOr(t *testing.T) {
	c := MustDefault()
	assert.Equal(t, "Introduction to SSI V2", c.TitleOr(1))
	assert.Equal(t, "Module 9", c.TitleOr(9))
}

func TestModuleNumber(t *testing.T) {
	assert.Equal(t, 3, ModuleNumber("module3_marks"))
	assert.Equal(t, 12, ModuleNumber("module12_marks"))
	assert.Equal(t, 0, ModuleNumber("marks"))
}

func TestLoad_RejectsGaps(t *testing.T) {
	fsys := fstest.MapFS{
		"m/01-a.md": {Data: []byte("# A\n\nBody\n")},
		"m/03-c.md": {Data: []byte("# C\n\nBody\n")},
	}
	_, err := Load(fsys, "m")
	assert.Error(t, err)
}

func TestLoad_RequiresTitle(t *testing.T) {
	fsys := fstest.MapFS{
		"m/01-a.md": {Data: []byte("no heading here\n")},
	}
	_, err := Load(fsys, "m")
	assert.Error(t, err)
}

func TestLoad_IgnoresOtherFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"m/01-a.md":    {Data: []byte("# Alpha\n\nIntro text.\n\n## Key points\n\n- one\n- two\n")},
		"m/README.txt": {Data: []byte("ignored")},
	}
	c, err := Load(fsys, "m")
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	m, _ := c.Get(1)
	assert.Equal(t, "Alpha", m.Title)
	assert.Equal(t, "Intro text.", m.Summary)
	assert.Equal(t, []string{"one", "two"}, m.KeyPoints)
}
