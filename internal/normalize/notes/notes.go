// Package notes implements the normalize_notes script: it makes every row of
// the "Notes" table carry valid content, description, tags and source URL.
package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loopbreaker/scriptrunner/internal/jobs"
	"github.com/loopbreaker/scriptrunner/pkg/models"
)

// ErrNoDatabase is returned when the executor runs without a note store.
var ErrNoDatabase = errors.New("DATABASE_URL environment variable not set")

const (
	descriptionLimit    = 150
	descriptionBoundary = 100
)

// DefaultVaultURLs maps a vault name to the site its notes are published on.
var DefaultVaultURLs = map[string]string{
	"general":     "https://garden.mymediaverseuniverse.com",
	"programming": "https://hackerman.mymediaverseuniverse.com",
}

// NoteStore reads and writes the notes table.
type NoteStore interface {
	// ListNotes returns every note, most recently imported first.
	ListNotes(ctx context.Context) ([]models.Note, error)
	// UpdateNotes applies all updates in a single transaction.
	UpdateNotes(ctx context.Context, updates []models.NoteUpdate) error
}

// Summary is the result of a normalize_notes run.
type Summary struct {
	Total                int `json:"total"`
	ContentNormalized    int `json:"content_normalized"`
	DescriptionGenerated int `json:"description_generated"`
	TagsNormalized       int `json:"tags_normalized"`
	SourceURLGenerated   int `json:"source_url_generated"`
	Unchanged            int `json:"unchanged"`
}

// Executor runs normalize_notes against a NoteStore.
type Executor struct {
	store     NoteStore
	vaultURLs map[string]string
}

// NewExecutor creates an Executor. A nil store makes every run fail with
// ErrNoDatabase.
func NewExecutor(store NoteStore) *Executor {
	return &Executor{store: store, vaultURLs: DefaultVaultURLs}
}

func (e *Executor) Run(ctx context.Context, job *jobs.Handle, req models.JobRequest) (any, error) {
	if e.store == nil {
		return nil, ErrNoDatabase
	}

	job.Log(ctx, "Fetching notes...")
	notes, err := e.store.ListNotes(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching notes: %w", err)
	}

	total := len(notes)
	job.UpdateProgress(ctx, jobs.WithTotal(total), jobs.WithProcessed(0))
	job.Logf(ctx, "Found %d notes to process.", total)

	summary := Summary{Total: total}
	var updates []models.NoteUpdate

	for i, note := range notes {
		if job.Cancelled() {
			job.Log(ctx, "Job cancelled by user.")
			return nil, jobs.ErrCancelled
		}
		job.UpdateProgress(ctx, jobs.WithCurrentItem(fmt.Sprintf("%s (%d/%d)", note.Slug, i+1, total)))

		update := e.normalize(note, &summary)
		if update.Empty() {
			summary.Unchanged++
		} else {
			if req.Verbose {
				job.Logf(ctx, "[%s] Updating %d fields", note.Slug, update.FieldCount())
			}
			updates = append(updates, update)
		}

		job.UpdateProgress(ctx, jobs.WithProcessed(i+1))
	}

	if req.DryRun {
		job.Log(ctx, "DRY RUN - No changes made.")
	} else {
		if err := e.store.UpdateNotes(ctx, updates); err != nil {
			return nil, fmt.Errorf("updating notes: %w", err)
		}
		job.Log(ctx, "Changes committed to database.")
	}

	job.UpdateProgress(ctx,
		jobs.WithProcessed(total),
		jobs.WithSucceeded(total-summary.Unchanged),
	)
	return summary, nil
}

// normalize computes the update for one note and counts what it changes.
func (e *Executor) normalize(note models.Note, summary *Summary) models.NoteUpdate {
	update := models.NoteUpdate{ID: note.ID}

	content := normalizeContent(note.Content)
	if note.Content == nil || *note.Content != content {
		update.Content = &content
		summary.ContentNormalized++
	}

	desc := normalizeDescription(note.Description, content, note.Title)
	if note.Description == nil || *note.Description != desc {
		update.Description = &desc
		summary.DescriptionGenerated++
	}

	tags := normalizeTags(note.Tags)
	if !sameTagSet(note.Tags, tags) {
		update.Tags = tags
		summary.TagsNormalized++
	}

	url := normalizeSourceURL(note.SourceURL, note.VaultName, note.Slug, e.vaultURLs)
	if note.SourceURL == nil || *note.SourceURL != url {
		update.SourceURL = &url
		summary.SourceURLGenerated++
	}

	return update
}

// normalizeContent trims content; a missing value becomes "".
func normalizeContent(content *string) string {
	if content == nil {
		return ""
	}
	return strings.TrimSpace(*content)
}

// normalizeDescription keeps a non-blank description, otherwise derives one
// from the first 150 characters of content, ending at a sentence or word
// boundary past the 100th character when possible, otherwise uses title.
func normalizeDescription(description *string, content, title string) string {
	if description != nil {
		if d := strings.TrimSpace(*description); d != "" {
			return d
		}
	}
	if content == "" {
		return title
	}

	runes := []rune(content)
	if len(runes) <= descriptionLimit {
		return strings.TrimSpace(content)
	}

	desc := runes[:descriptionLimit]
	lastPeriod := lastIndexRune(desc, '.')
	lastSpace := lastIndexRune(desc, ' ')
	var out string
	switch {
	case lastPeriod > descriptionBoundary:
		out = string(desc[:lastPeriod+1])
	case lastSpace > descriptionBoundary:
		out = string(desc[:lastSpace]) + "..."
	default:
		out = string(desc) + "..."
	}
	return strings.TrimSpace(out)
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// normalizeTags lowercases and trims tags and drops blank ones. The result is
// never nil.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func sameTagSet(a, b []string) bool {
	as := make(map[string]struct{}, len(a))
	for _, t := range a {
		as[t] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, t := range b {
		bs[t] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for t := range as {
		if _, ok := bs[t]; !ok {
			return false
		}
	}
	return true
}

// normalizeSourceURL keeps a non-blank URL, otherwise builds one from the
// vault's site and the note's slug. Unknown vaults use the general site.
func normalizeSourceURL(sourceURL *string, vaultName, slug string, vaultURLs map[string]string) string {
	if sourceURL != nil {
		if u := strings.TrimSpace(*sourceURL); u != "" {
			return u
		}
	}
	base, ok := vaultURLs[strings.ToLower(vaultName)]
	if !ok {
		base = vaultURLs["general"]
	}
	return base + "/" + slug
}
