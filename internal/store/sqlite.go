// Package store persists canonical plans and the completion history in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"canonplan/internal/model"
	"canonplan/internal/signature"
)

// SQLiteStore implements plan.Repository and deletion.History.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	user_id    TEXT PRIMARY KEY,
	document   TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS completions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id   TEXT NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	title     TEXT NOT NULL,
	title_key TEXT NOT NULL,
	action    TEXT NOT NULL,
	at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS completions_lookup ON completions (user_id, title_key, at);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the user's plan, or nil when none has been saved.
func (s *SQLiteStore) Get(ctx context.Context, userID string) (*model.CanonicalPlan, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, `SELECT document FROM plans WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select plan: %w", err)
	}
	var p model.CanonicalPlan
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("decode plan for %s: %w", userID, err)
	}
	if p.DismissedItems == nil {
		p.DismissedItems = []string{}
	}
	if p.PendingRecommendations == nil {
		p.PendingRecommendations = []model.Recommendation{}
	}
	return &p, nil
}

func (s *SQLiteStore) Save(ctx context.Context, p *model.CanonicalPlan) error {
	if p == nil || p.UserID == "" {
		return errors.New("save plan: missing user id")
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO plans (user_id, document, updated_at) VALUES (?, ?, ?)`,
		p.UserID, string(doc), s.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

type completionRow struct {
	Signature string `db:"signature"`
	Title     string `db:"title"`
	Action    string `db:"action"`
	At        string `db:"at"`
}

// Query returns the user's completion records for title since the given
// time, oldest first. Titles match after normalization.
func (s *SQLiteStore) Query(ctx context.Context, userID, title string, since time.Time) ([]model.CompletionRecord, error) {
	var rows []completionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT signature, title, action, at FROM completions
		 WHERE user_id = ? AND title_key = ? AND at >= ?
		 ORDER BY at, id`,
		userID, signature.NormalizeTitle(title), since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("select completions: %w", err)
	}
	out := make([]model.CompletionRecord, 0, len(rows))
	for _, r := range rows {
		at, err := time.Parse(timeLayout, r.At)
		if err != nil {
			return nil, fmt.Errorf("parse completion time %q: %w", r.At, err)
		}
		out = append(out, model.CompletionRecord{
			Signature: r.Signature,
			Title:     r.Title,
			Action:    model.Action(r.Action),
			Timestamp: at,
		})
	}
	return out, nil
}

// Record appends one completion record. A zero timestamp means now.
func (s *SQLiteStore) Record(ctx context.Context, userID string, rec model.CompletionRecord) error {
	if userID == "" || rec.Title == "" {
		return errors.New("record completion: user and title are required")
	}
	switch rec.Action {
	case model.ActionCompleted, model.ActionDeleted:
	default:
		return fmt.Errorf("record completion: unknown action %q", rec.Action)
	}
	at := rec.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completions (user_id, signature, title, title_key, action, at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, rec.Signature, rec.Title, signature.NormalizeTitle(rec.Title), string(rec.Action),
		at.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert completion: %w", err)
	}
	return nil
}
