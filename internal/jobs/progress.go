package jobs

import "github.com/loopbreaker/scriptrunner/pkg/models"

type progressUpdate struct {
	total       *int
	processed   *int
	succeeded   *int
	failed      *int
	currentItem *string
}

// ProgressOption sets one field of a partial progress update.
type ProgressOption func(*progressUpdate)

func WithTotal(n int) ProgressOption {
	return func(u *progressUpdate) { u.total = &n }
}

func WithProcessed(n int) ProgressOption {
	return func(u *progressUpdate) { u.processed = &n }
}

func WithSucceeded(n int) ProgressOption {
	return func(u *progressUpdate) { u.succeeded = &n }
}

func WithFailed(n int) ProgressOption {
	return func(u *progressUpdate) { u.failed = &n }
}

func WithCurrentItem(item string) ProgressOption {
	return func(u *progressUpdate) { u.currentItem = &item }
}

func (u *progressUpdate) apply(p *models.Progress) {
	if u.total != nil {
		p.Total = *u.total
	}
	if u.processed != nil {
		p.Processed = *u.processed
	}
	if u.succeeded != nil {
		p.Succeeded = *u.succeeded
	}
	if u.failed != nil {
		p.Failed = *u.failed
	}
	if u.currentItem != nil {
		item := *u.currentItem
		p.CurrentItem = &item
	}
}

// checkpoint reports whether the update is worth a persistence write: only
// every tenth processed item and the final one are written.
func (u *progressUpdate) checkpoint(p models.Progress) bool {
	if u.processed == nil {
		return false
	}
	return *u.processed%10 == 0 || *u.processed == p.Total
}
