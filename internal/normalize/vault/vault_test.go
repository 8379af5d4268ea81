package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopbreaker/scriptrunner/internal/jobs"
	"github.com/loopbreaker/scriptrunner/pkg/models"
)

// --- helpers ---

type fakeDescriber struct {
	desc  string
	err   error
	calls int
}

func (d *fakeDescriber) Describe(context.Context, string, string) (string, error) {
	d.calls++
	return d.desc, d.err
}
func (d *fakeDescriber) Name() string  { return "fake" }
func (d *fakeDescriber) Model() string { return "fake-1" }

func runningHandle(t *testing.T) (*jobs.Manager, *jobs.Handle) {
	t.Helper()
	m := jobs.NewManager()
	id := m.Create(context.Background(), models.ScriptNormalizeVault)
	require.NoError(t, m.MarkStarted(context.Background(), id))
	h, err := m.Handle(id)
	require.NoError(t, err)
	return m, h
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

const doneNote = `---
title: Done
tags:
  - go
description: Already described.
---

Body text #go
`

// newVault lays out a small vault and returns its root.
func newVault(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "vault")
	writeFile(t, filepath.Join(root, "my-first_note.md"), "# Heading\n\nSome #Golang and #rust notes.\n")
	writeFile(t, filepath.Join(root, "b.md"), doneNote)
	writeFile(t, filepath.Join(root, "notes", "c.md"), "---\ntitle: C\n---\nplain body\n")
	writeFile(t, filepath.Join(root, "templates", "t.md"), "template")
	writeFile(t, filepath.Join(root, ".obsidian", "x.md"), "config")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main")
	writeFile(t, filepath.Join(root, "readme.txt"), "not markdown")
	return root
}

// --- frontmatter ---

func TestParseFrontmatter(t *testing.T) {
	fm, body := parseFrontmatter(doneNote)
	title, ok := fm.text("title")
	require.True(t, ok)
	assert.Equal(t, "Done", title)
	tags, exact := fm.tags()
	assert.True(t, exact)
	assert.Equal(t, []string{"go"}, tags)
	assert.Equal(t, "Body text #go\n", body)

	fm, body = parseFrontmatter("no header")
	assert.True(t, fm.empty())
	assert.Equal(t, "no header", body)

	fm, body = parseFrontmatter("---\ntitle: [unclosed\n---\nbody")
	assert.True(t, fm.empty(), "malformed YAML is treated as no header")
	assert.Equal(t, "---\ntitle: [unclosed\n---\nbody", body)

	fm, body = parseFrontmatter("---\n~\n---\nbody")
	assert.True(t, fm.empty())
	assert.Equal(t, "body", body)
}

func TestFrontmatterTags(t *testing.T) {
	fm, _ := parseFrontmatter("---\ntags: Solo\n---\n")
	tags, exact := fm.tags()
	assert.Equal(t, []string{"Solo"}, tags)
	assert.True(t, exact)

	fm, _ = parseFrontmatter("---\ntags: [a, 3]\n---\n")
	tags, exact = fm.tags()
	assert.Equal(t, []string{"a"}, tags)
	assert.False(t, exact)
}

func TestRender_PreservesKeyOrder(t *testing.T) {
	fm, _ := parseFrontmatter("---\ntitle: X\nzeta: 1\nalpha: 2\n---\n")
	fm.setTags([]string{"a", "b"})
	fm.setText("description", "Uses #hash and: colon")

	out, err := fm.render()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "---\n"))
	require.True(t, strings.HasSuffix(out, "---\n\n"))

	order := []string{"title:", "zeta:", "alpha:", "tags:", "description:"}
	last := -1
	for _, key := range order {
		idx := strings.Index(out, key)
		require.Greater(t, idx, last, key)
		last = idx
	}

	again, _ := parseFrontmatter(out)
	desc, ok := again.text("description")
	require.True(t, ok)
	assert.Equal(t, "Uses #hash and: colon", desc)
}

func TestRender_EmptyTagsFlow(t *testing.T) {
	fm := newFrontmatter()
	fm.setTags(nil)
	out, err := fm.render()
	require.NoError(t, err)
	assert.Equal(t, "---\ntags: []\n---\n\n", out)

	out, err = newFrontmatter().render()
	require.NoError(t, err)
	assert.Empty(t, out)
}

// --- markdown helpers ---

func TestExtractInlineTags(t *testing.T) {
	body := "#Start of text\n# Heading\nsome #Go and #go again, mail@x.com#nope and #2fast and #tag-with_dash.\n##double"
	assert.Equal(t, []string{"start", "go", "tag-with_dash"}, extractInlineTags(body))
}

func TestMergeTags(t *testing.T) {
	got := mergeTags([]string{" Rust ", "", "go"}, []string{"go", "zig"})
	assert.Equal(t, []string{"go", "rust", "zig"}, got)
	assert.Equal(t, []string{}, mergeTags(nil, nil))
}

func TestTitleFromFilename(t *testing.T) {
	assert.Equal(t, "My First Note", titleFromFilename("/vault/my-first_note.md"))
	assert.Equal(t, "Go Concurrency", titleFromFilename("GO-concurrency.md"))
	assert.Equal(t, "2Nd Draft", titleFromFilename("2nd draft.md"))
}

func TestGenerateDescription(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", "   \n", ""},
		{"only heading", "# Title\n", ""},
		{"strips markdown", "# T\n\n> **Bold** and *it* with [[Page|alias]] and [link](http://x) ![img](a.png) `code`\n", "Bold and it with Page and link"},
		{"code block removed", "Intro\n```go\nfunc main() {}\n```\nOutro", "Intro Outro"},
		{"underscores", "__strong__ _em_", "strong em"},
		{"horizontal rule", "above\n\n---\nbelow", "above below"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, generateDescription(tt.body))
		})
	}
}

func TestTruncateAtBoundary(t *testing.T) {
	sentence := strings.Repeat("a", 95) + ". " + strings.Repeat("b", 80)
	assert.Equal(t, strings.Repeat("a", 95)+".", truncateAtBoundary(sentence, 150))

	words := strings.Repeat("word ", 40)
	assert.Equal(t, strings.TrimSpace(words[:149])+"...", truncateAtBoundary(words, 150))

	solid := strings.Repeat("x", 160)
	assert.Equal(t, strings.Repeat("x", 150)+"...", truncateAtBoundary(solid, 150))

	assert.Equal(t, "short", truncateAtBoundary("short", 150))
}

// --- executor ---

func TestExecutor_Run(t *testing.T) {
	root := newVault(t)
	m, h := runningHandle(t)

	out, err := NewExecutor(nil).Run(context.Background(), h, models.JobRequest{VaultPath: root, Verbose: true})
	require.NoError(t, err)

	assert.Equal(t, Stats{
		Total:             3,
		Modified:          2,
		Unchanged:         1,
		TagsUpdated:       1,
		TitlesAdded:       1,
		DescriptionsAdded: 2,
	}, out.(Stats))

	first := readFile(t, filepath.Join(root, "my-first_note.md"))
	fm, body := parseFrontmatter(first)
	tags, _ := fm.tags()
	assert.Equal(t, []string{"golang", "rust"}, tags)
	title, _ := fm.text("title")
	assert.Equal(t, "My First Note", title)
	desc, _ := fm.text("description")
	assert.Equal(t, "Some #Golang and #rust notes.", desc)
	assert.Equal(t, "# Heading\n\nSome #Golang and #rust notes.\n", body)

	c := readFile(t, filepath.Join(root, "notes", "c.md"))
	fm, body = parseFrontmatter(c)
	desc, _ = fm.text("description")
	assert.Equal(t, "plain body", desc)
	assert.Equal(t, "plain body\n", body)

	assert.Equal(t, doneNote, readFile(t, filepath.Join(root, "b.md")))
	assert.Equal(t, "template", readFile(t, filepath.Join(root, "templates", "t.md")))

	job, err := m.Get(h.ID())
	require.NoError(t, err)
	assert.Equal(t, 3, job.Progress.Processed)
	assert.Equal(t, 2, job.Progress.Succeeded)
	assert.Contains(t, job.Logs, "Found 3 markdown files to process.")
	assert.Contains(t, job.Logs, "[MODIFIED] my-first_note.md")
}

func TestExecutor_DryRun(t *testing.T) {
	root := newVault(t)
	before := readFile(t, filepath.Join(root, "my-first_note.md"))
	m, h := runningHandle(t)

	out, err := NewExecutor(nil).Run(context.Background(), h, models.JobRequest{VaultPath: root, DryRun: true, Backup: true})
	require.NoError(t, err)
	assert.Equal(t, 2, out.(Stats).Modified)
	assert.Equal(t, before, readFile(t, filepath.Join(root, "my-first_note.md")))

	backups, _ := filepath.Glob(root + "_backup_*")
	assert.Empty(t, backups, "dry run never creates a backup")

	job, _ := m.Get(h.ID())
	assert.Contains(t, job.Logs, "DRY RUN - No files were modified.")
}

func TestExecutor_Backup(t *testing.T) {
	root := newVault(t)
	_, h := runningHandle(t)
	e := NewExecutor(nil)
	e.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	_, err := e.Run(context.Background(), h, models.JobRequest{VaultPath: root, Backup: true})
	require.NoError(t, err)

	backup := root + "_backup_20250304_050607"
	assert.Equal(t, doneNote, readFile(t, filepath.Join(backup, "b.md")))
	assert.Equal(t, "# Heading\n\nSome #Golang and #rust notes.\n", readFile(t, filepath.Join(backup, "my-first_note.md")))
	assert.NoDirExists(t, filepath.Join(backup, ".git"))
	assert.FileExists(t, filepath.Join(backup, ".obsidian", "x.md"))
}

func TestExecutor_UnreadableFileCountsAsError(t *testing.T) {
	root := newVault(t)
	require.NoError(t, os.Symlink(filepath.Join(root, "missing-target"), filepath.Join(root, "broken.md")))
	m, h := runningHandle(t)

	out, err := NewExecutor(nil).Run(context.Background(), h, models.JobRequest{VaultPath: root})
	require.NoError(t, err)
	stats := out.(Stats)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Errors)

	job, _ := m.Get(h.ID())
	assert.Equal(t, 1, job.Progress.Failed)
	found := false
	for _, l := range job.Logs {
		if strings.HasPrefix(l, "[ERROR] broken.md: could not read file") {
			found = true
		}
	}
	assert.True(t, found, "error line logged")
}

func TestExecutor_AIDescriptions(t *testing.T) {
	root := newVault(t)
	_, h := runningHandle(t)
	d := &fakeDescriber{desc: "AI summary."}

	out, err := NewExecutor(d).Run(context.Background(), h, models.JobRequest{VaultPath: root, UseAI: true})
	require.NoError(t, err)
	stats := out.(Stats)
	assert.Equal(t, 2, stats.AIDescriptions)
	assert.Equal(t, 2, stats.DescriptionsAdded)
	assert.Equal(t, 2, d.calls)

	fm, _ := parseFrontmatter(readFile(t, filepath.Join(root, "notes", "c.md")))
	desc, _ := fm.text("description")
	assert.Equal(t, "AI summary.", desc)
}

func TestExecutor_AIFailureFallsBack(t *testing.T) {
	root := newVault(t)
	m, h := runningHandle(t)
	d := &fakeDescriber{err: errors.New("status 503")}

	out, err := NewExecutor(d).Run(context.Background(), h, models.JobRequest{VaultPath: root, UseAI: true})
	require.NoError(t, err)
	stats := out.(Stats)
	assert.Equal(t, 0, stats.AIDescriptions)
	assert.Equal(t, 2, stats.DescriptionsAdded)

	job, _ := m.Get(h.ID())
	assert.Contains(t, job.Logs, "[AI Error] notes/c.md: status 503")
}

func TestExecutor_Cancelled(t *testing.T) {
	root := newVault(t)
	m, h := runningHandle(t)
	_, err := m.Cancel(context.Background(), h.ID())
	require.NoError(t, err)

	_, err = NewExecutor(nil).Run(context.Background(), h, models.JobRequest{VaultPath: root})
	assert.ErrorIs(t, err, jobs.ErrCancelled)
	assert.Equal(t, "# Heading\n\nSome #Golang and #rust notes.\n", readFile(t, filepath.Join(root, "my-first_note.md")))
}

func TestExecutor_Errors(t *testing.T) {
	_, h := runningHandle(t)
	e := NewExecutor(nil)

	assert.ErrorIs(t, e.Validate(models.JobRequest{}), ErrVaultPathRequired)

	_, err := e.Run(context.Background(), h, models.JobRequest{VaultPath: filepath.Join(t.TempDir(), "nope")})
	assert.ErrorContains(t, err, "vault path does not exist")

	file := filepath.Join(t.TempDir(), "file.md")
	writeFile(t, file, "x")
	_, err = e.Run(context.Background(), h, models.JobRequest{VaultPath: file})
	assert.ErrorContains(t, err, "vault path is not a directory")

	_, err = e.Run(context.Background(), h, models.JobRequest{VaultPath: t.TempDir(), UseAI: true})
	assert.ErrorIs(t, err, ErrNoDescriber)
}
