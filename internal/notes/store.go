// Package notes keeps short tagged text notes in SQLite and exposes them as
// registry tools.
package notes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrEmptyText is returned by Add when the note text is blank.
var ErrEmptyText = errors.New("note text is empty")

// Note is one stored note.
type Note struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Tags      string `json:"tags"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Stats summarizes the store.
type Stats struct {
	Total int            `json:"total"`
	Tags  map[string]int `json:"tags"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Query string
	Tag   string
}

// Store persists notes in the notes table created by storage.OpenSQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Add inserts a note. Text and tags are trimmed.
func (s *Store) Add(ctx context.Context, text, tags string) (Note, error) {
	text = strings.TrimSpace(text)
	tags = strings.TrimSpace(tags)
	if text == "" {
		return Note{}, ErrEmptyText
	}

	res, err := s.db.ExecContext(ctx, "INSERT INTO notes(text, tags) VALUES (?, ?);", text, tags)
	if err != nil {
		return Note{}, fmt.Errorf("insert note: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Note{}, fmt.Errorf("read note id: %w", err)
	}
	return Note{ID: id, Text: text, Tags: tags}, nil
}

// List returns matching notes, newest first. A tag matches as a substring of
// the comma-separated tag list.
func (s *Store) List(ctx context.Context, f Filter) ([]Note, error) {
	var (
		conds []string
		args  []any
	)
	if q := strings.TrimSpace(f.Query); q != "" {
		conds = append(conds, "text LIKE ?")
		args = append(args, "%"+q+"%")
	}
	if tag := strings.TrimSpace(f.Tag); tag != "" {
		conds = append(conds, "(tags LIKE ? OR ','||tags||',' LIKE ?)")
		args = append(args, "%"+tag+"%", "%,"+tag+",%")
	}

	query := "SELECT id, text, tags, created_at FROM notes"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC;"

	return s.query(ctx, query, args...)
}

// All returns every note, oldest first.
func (s *Store) All(ctx context.Context) ([]Note, error) {
	return s.query(ctx, "SELECT id, text, tags, created_at FROM notes ORDER BY id;")
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Note{}
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Text, &n.Tags, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return out, nil
}

// Delete removes a note by id. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM notes WHERE id = ?;", id); err != nil {
		return fmt.Errorf("delete note %d: %w", id, err)
	}
	return nil
}

// Clear removes every note.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM notes;"); err != nil {
		return fmt.Errorf("clear notes: %w", err)
	}
	return nil
}

// Stats counts notes and individual tags.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Tags: map[string]int{}}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notes;").Scan(&st.Total); err != nil {
		return Stats{}, fmt.Errorf("count notes: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT tags FROM notes WHERE tags != '';")
	if err != nil {
		return Stats{}, fmt.Errorf("query tags: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var tags string
		if err := rows.Scan(&tags); err != nil {
			return Stats{}, fmt.Errorf("scan tags: %w", err)
		}
		for _, t := range SplitTags(tags) {
			st.Tags[t]++
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate tags: %w", err)
	}
	return st, nil
}

// ExportMarkdown renders every note, oldest first.
func (s *Store) ExportMarkdown(ctx context.Context) (string, error) {
	all, err := s.All(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# Notes export\n")
	for _, n := range all {
		b.WriteString("\n")
		fmt.Fprintf(&b, "## #%d - %s", n.ID, n.CreatedAt)
		if n.Tags != "" {
			fmt.Fprintf(&b, " _[%s]_", n.Tags)
		}
		fmt.Fprintf(&b, "\n\n%s\n", n.Text)
	}
	return b.String(), nil
}

// SplitTags splits a comma-separated tag list, dropping blanks.
func SplitTags(tags string) []string {
	var out []string
	for _, t := range strings.Split(tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// TopTags returns tag names ordered by count, then name.
func (st Stats) TopTags() []string {
	names := make([]string, 0, len(st.Tags))
	for name := range st.Tags {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if st.Tags[names[i]] != st.Tags[names[j]] {
			return st.Tags[names[i]] > st.Tags[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
