// Package vault implements the normalize_vault script: it rewrites the
// frontmatter of every markdown note in an Obsidian vault so that each note
// carries merged lowercase tags, a title and a description.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/loopbreaker/scriptrunner/internal/jobs"
	"github.com/loopbreaker/scriptrunner/pkg/models"
)

var (
	ErrVaultPathRequired = errors.New("vault_path is required for normalize_vault script")
	ErrNoDescriber       = errors.New("GRADIENT_API_KEY environment variable not set")
)

// ignoredDirs are skipped wherever they appear inside the vault.
var ignoredDirs = map[string]struct{}{
	".obsidian":     {},
	".git":          {},
	".trash":        {},
	"node_modules":  {},
	".quartz-cache": {},
	"templates":     {},
	"Templates":     {},
}

// Stats is the result of a normalize_vault run.
type Stats struct {
	Total             int `json:"total"`
	Modified          int `json:"modified"`
	Unchanged         int `json:"unchanged"`
	Errors            int `json:"errors"`
	TagsUpdated       int `json:"tags_updated"`
	TitlesAdded       int `json:"titles_added"`
	DescriptionsAdded int `json:"descriptions_added"`
	AIDescriptions    int `json:"ai_descriptions"`
}

type changeKind int

const (
	changeTags changeKind = iota
	changeTitle
	changeDescription
	changeAIDescription
)

type fileResult struct {
	modified bool
	changes  []changeKind
}

// Executor runs normalize_vault.
type Executor struct {
	describer models.Describer
	now       func() time.Time
}

// NewExecutor creates an Executor. describer may be nil, in which case runs
// that ask for AI descriptions fail.
func NewExecutor(describer models.Describer) *Executor {
	return &Executor{describer: describer, now: time.Now}
}

func (e *Executor) Validate(req models.JobRequest) error {
	if strings.TrimSpace(req.VaultPath) == "" {
		return ErrVaultPathRequired
	}
	return nil
}

func (e *Executor) Run(ctx context.Context, job *jobs.Handle, req models.JobRequest) (any, error) {
	if err := e.Validate(req); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(req.VaultPath)
	if err != nil {
		return nil, fmt.Errorf("resolving vault path: %w", err)
	}
	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("vault path does not exist: %s", root)
	case err != nil:
		return nil, fmt.Errorf("reading vault path: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("vault path is not a directory: %s", root)
	}
	job.Logf(ctx, "Processing vault: %s", root)

	var describer models.Describer
	if req.UseAI {
		if e.describer == nil {
			return nil, ErrNoDescriber
		}
		describer = e.describer
		job.Logf(ctx, "AI enabled: %s (model: %s)", describer.Name(), describer.Model())
	}

	if req.Backup && !req.DryRun {
		job.Log(ctx, "Creating backup...")
		dest, err := createBackup(root, e.now())
		if err != nil {
			return nil, err
		}
		job.Logf(ctx, "Backup created at: %s", dest)
	}

	files, err := markdownFiles(root)
	if err != nil {
		return nil, err
	}
	total := len(files)
	job.UpdateProgress(ctx, jobs.WithTotal(total), jobs.WithProcessed(0))
	job.Logf(ctx, "Found %d markdown files to process.", total)

	stats := Stats{Total: total}
	for i, path := range files {
		if job.Cancelled() {
			job.Log(ctx, "Job cancelled by user.")
			return nil, jobs.ErrCancelled
		}

		rel, _ := filepath.Rel(root, path)
		job.UpdateProgress(ctx, jobs.WithCurrentItem(fmt.Sprintf("%s (%d/%d)", rel, i+1, total)))

		res, err := e.normalizeFile(ctx, job, path, rel, req.DryRun, describer)
		switch {
		case err != nil:
			stats.Errors++
			job.Logf(ctx, "[ERROR] %s: %v", rel, err)
		case res.modified:
			stats.Modified++
			for _, c := range res.changes {
				switch c {
				case changeTags:
					stats.TagsUpdated++
				case changeTitle:
					stats.TitlesAdded++
				case changeAIDescription:
					stats.AIDescriptions++
					stats.DescriptionsAdded++
				case changeDescription:
					stats.DescriptionsAdded++
				}
			}
			if req.Verbose {
				job.Logf(ctx, "[MODIFIED] %s", rel)
			}
		default:
			stats.Unchanged++
		}

		job.UpdateProgress(ctx, jobs.WithProcessed(i+1))
	}

	job.UpdateProgress(ctx,
		jobs.WithProcessed(total),
		jobs.WithSucceeded(stats.Modified),
		jobs.WithFailed(stats.Errors),
	)
	if req.DryRun {
		job.Log(ctx, "DRY RUN - No files were modified.")
	}
	return stats, nil
}

// markdownFiles lists the *.md files below root in lexical order, skipping
// ignored directories.
func markdownFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := ignoredDirs[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".md") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing markdown files: %w", err)
	}
	return files, nil
}

// normalizeFile rewrites one note. A read or write failure is returned as an
// error; description generation failures only fall back to the derived text.
func (e *Executor) normalizeFile(ctx context.Context, job *jobs.Handle, path, rel string, dryRun bool, describer models.Describer) (fileResult, error) {
	var res fileResult

	raw, err := os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("could not read file: %w", err)
	}
	content := string(raw)
	fm, body := parseFrontmatter(content)

	existing, exact := fm.tags()
	tags := mergeTags(existing, extractInlineTags(body))
	if !exact || !slices.Equal(existing, tags) {
		fm.setTags(tags)
		res.changes = append(res.changes, changeTags)
	}

	title, ok := fm.text("title")
	if !ok {
		title = titleFromFilename(path)
		fm.setText("title", title)
		res.changes = append(res.changes, changeTitle)
	}

	if _, ok := fm.text("description"); !ok {
		desc, kind := e.describe(ctx, job, rel, title, body, describer)
		if desc != "" {
			fm.setText("description", desc)
			res.changes = append(res.changes, kind)
		}
	}

	if len(res.changes) == 0 {
		return res, nil
	}
	res.modified = true
	if dryRun {
		return res, nil
	}

	header, err := fm.render()
	if err != nil {
		return fileResult{}, err
	}
	updated := header + strings.TrimLeft(body, "\n")
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return fileResult{}, fmt.Errorf("could not write file: %w", err)
	}
	return res, nil
}

// describe asks the AI for a description when one is configured and falls
// back to text derived from the body.
func (e *Executor) describe(ctx context.Context, job *jobs.Handle, rel, title, body string, describer models.Describer) (string, changeKind) {
	if describer != nil && strings.TrimSpace(body) != "" {
		desc, err := describer.Describe(ctx, title, body)
		switch {
		case err != nil:
			slog.Warn("AI description failed", "job_id", job.ID(), "path", rel, "error", err)
			job.Logf(ctx, "[AI Error] %s: %v", rel, err)
		case desc != "":
			return desc, changeAIDescription
		}
	}
	return generateDescription(body), changeDescription
}
