package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whispo/contextd/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS history (
  id TEXT PRIMARY KEY,
  created_unix_ms INTEGER NOT NULL,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  transcript TEXT NOT NULL,
  original_transcript TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_history_created ON history(created_unix_ms);

CREATE TABLE IF NOT EXISTS glossary (
  phrase TEXT NOT NULL UNIQUE COLLATE NOCASE,
  replacement TEXT NOT NULL,
  context TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS profiles (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  language TEXT NOT NULL DEFAULT '',
  shortcut TEXT NOT NULL DEFAULT '',
  transcription_provider TEXT NOT NULL DEFAULT '',
  transcription_model TEXT NOT NULL DEFAULT '',
  post_processing INTEGER NOT NULL DEFAULT 0,
  is_default INTEGER NOT NULL DEFAULT 0,
  created_unix_ms INTEGER NOT NULL,
  updated_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`

const activeProfileKey = "active_profile_id"

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

// Init opens the database and creates the schema. It is idempotent.
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// One writer keeps upserts and the active-profile switch consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return fmt.Errorf("create schema: %w", err)
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) ensureDB(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db != nil {
		return db, nil
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db, nil
}

// ── History ─────────────────────────────────────────────────

func (s *SQLiteStore) ListHistory(ctx context.Context, filter ListFilter) ([]models.HistoryItem, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}

	var since int64
	if filter.Since != nil {
		since = filter.Since.UnixMilli()
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, created_unix_ms, duration_ms, transcript, original_transcript
		 FROM history
		 WHERE created_unix_ms >= ?
		 ORDER BY created_unix_ms DESC, rowid DESC
		 LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.HistoryItem, 0)
	for rows.Next() {
		var (
			item    models.HistoryItem
			created int64
		)
		if err := rows.Scan(&item.ID, &created, &item.DurationMS, &item.Transcript, &item.OriginalTranscript); err != nil {
			return nil, err
		}
		item.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, item models.HistoryItem) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	if item.ID == "" {
		return errors.New("history item id is required")
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO history(id, created_unix_ms, duration_ms, transcript, original_transcript)
		 VALUES(?, ?, ?, ?, ?)`,
		item.ID, item.CreatedAt.UnixMilli(), item.DurationMS, item.Transcript, item.OriginalTranscript,
	)
	return err
}

func (s *SQLiteStore) PurgeHistory(ctx context.Context, before time.Time, keep int) (int, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var removed int64
	if !before.IsZero() {
		res, err := tx.ExecContext(ctx, `DELETE FROM history WHERE created_unix_ms < ?`, before.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("purge by age: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if keep > 0 {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM history WHERE rowid NOT IN (
			   SELECT rowid FROM history ORDER BY created_unix_ms DESC, rowid DESC LIMIT ?
			 )`, keep)
		if err != nil {
			return 0, fmt.Errorf("purge by count: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(removed), nil
}

// ── Glossary ────────────────────────────────────────────────

func (s *SQLiteStore) Glossary(ctx context.Context) ([]models.GlossaryEntry, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT phrase, replacement, context FROM glossary ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.GlossaryEntry, 0)
	for rows.Next() {
		var e models.GlossaryEntry
		if err := rows.Scan(&e.Phrase, &e.Replacement, &e.Context); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertGlossary(ctx context.Context, entries []models.GlossaryEntry) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO glossary(phrase, replacement, context)
			 VALUES(?, ?, ?)
			 ON CONFLICT(phrase) DO UPDATE SET
			   phrase=excluded.phrase,
			   replacement=excluded.replacement,
			   context=excluded.context`,
			e.Phrase, e.Replacement, e.Context,
		); err != nil {
			return fmt.Errorf("upsert %q: %w", e.Phrase, err)
		}
	}
	return tx.Commit()
}

// ── Profiles ────────────────────────────────────────────────

const profileColumns = `id, name, description, language, shortcut, transcription_provider,
  transcription_model, post_processing, is_default, created_unix_ms, updated_unix_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (models.Profile, error) {
	var (
		p                models.Profile
		post, isDefault  int
		created, updated int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Settings.Language, &p.Settings.Shortcut,
		&p.Settings.TranscriptionProvider, &p.Settings.TranscriptionModel,
		&post, &isDefault, &created, &updated)
	if err != nil {
		return p, err
	}
	p.Settings.PostProcessing = post != 0
	p.IsDefault = isDefault != 0
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return p, nil
}

func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Profile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveProfile(ctx context.Context, p models.Profile) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO profiles(`+profileColumns+`)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   description=excluded.description,
		   language=excluded.language,
		   shortcut=excluded.shortcut,
		   transcription_provider=excluded.transcription_provider,
		   transcription_model=excluded.transcription_model,
		   post_processing=excluded.post_processing,
		   is_default=excluded.is_default,
		   updated_unix_ms=excluded.updated_unix_ms`,
		p.ID, p.Name, p.Description, p.Settings.Language, p.Settings.Shortcut,
		p.Settings.TranscriptionProvider, p.Settings.TranscriptionModel,
		boolToInt(p.Settings.PostProcessing), boolToInt(p.IsDefault),
		p.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if p.IsDefault {
		_, err = db.ExecContext(ctx,
			`INSERT INTO settings(key, value) VALUES(?, ?) ON CONFLICT(key) DO NOTHING`,
			activeProfileKey, p.ID,
		)
	}
	return err
}

func (s *SQLiteStore) ActiveProfile(ctx context.Context) (*models.Profile, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles
		 WHERE id = (SELECT value FROM settings WHERE key = ?)`,
		activeProfileKey,
	)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "active profile"}
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) SwitchProfile(ctx context.Context, id string) (*models.Profile, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanProfile(tx.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "profile", Key: id}
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		activeProfileKey, id,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *SQLiteStore) Ping(ctx context.Context) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
