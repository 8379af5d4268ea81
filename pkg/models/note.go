package models

import "github.com/google/uuid"

// Note is a row of the "Notes" table imported from an Obsidian vault.
type Note struct {
	ID          uuid.UUID
	Slug        string
	Title       string
	Content     *string
	Description *string
	VaultName   string
	SourceURL   *string
	Tags        []string
}

// NoteUpdate lists the normalised columns to write back for one note.
// Nil fields are left untouched.
type NoteUpdate struct {
	ID          uuid.UUID
	Content     *string
	Description *string
	Tags        []string
	SourceURL   *string
}

// Empty reports whether the update changes nothing.
func (u NoteUpdate) Empty() bool {
	return u.Content == nil && u.Description == nil && u.Tags == nil && u.SourceURL == nil
}

// FieldCount returns how many columns the update writes.
func (u NoteUpdate) FieldCount() int {
	n := 0
	if u.Content != nil {
		n++
	}
	if u.Description != nil {
		n++
	}
	if u.Tags != nil {
		n++
	}
	if u.SourceURL != nil {
		n++
	}
	return n
}
