// Package store provides persistence for dictation history, the glossary
// and profiles. The in-memory implementation serves tests and ephemeral
// runs; the SQLite implementation is used by the daemon.
package store

import (
	"context"
	"time"

	"github.com/whispo/contextd/pkg/models"
)

// Store is the persistence interface consumed by the local tools.
type Store interface {
	HistoryStore
	GlossaryStore
	ProfileStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// HistoryStore keeps completed transcriptions.
type HistoryStore interface {
	// ListHistory returns items newest first.
	ListHistory(ctx context.Context, filter ListFilter) ([]models.HistoryItem, error)
	AppendHistory(ctx context.Context, item models.HistoryItem) error
	// PurgeHistory deletes items created before the cutoff (zero disables)
	// and then all but the newest keep items (0 disables). It returns the
	// number of items removed.
	PurgeHistory(ctx context.Context, before time.Time, keep int) (int, error)
}

// GlossaryStore keeps phrase replacements in insertion order. Phrases are
// matched case-insensitively; upserting an existing phrase replaces it in
// place.
type GlossaryStore interface {
	Glossary(ctx context.Context) ([]models.GlossaryEntry, error)
	UpsertGlossary(ctx context.Context, entries []models.GlossaryEntry) error
}

// ProfileStore keeps profiles and the active profile selection.
type ProfileStore interface {
	ListProfiles(ctx context.Context) ([]models.Profile, error)
	SaveProfile(ctx context.Context, p models.Profile) error
	// ActiveProfile returns ErrNotFound when no profile is active.
	ActiveProfile(ctx context.Context) (*models.Profile, error)
	// SwitchProfile returns ErrNotFound for unknown ids.
	SwitchProfile(ctx context.Context, id string) (*models.Profile, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	if e.Key == "" {
		return e.Entity + " not found"
	}
	return e.Entity + " not found: " + e.Key
}

// ── Filter helpers ──────────────────────────────────────────

// ListFilter provides common pagination/filter options.
type ListFilter struct {
	Limit int
	Since *time.Time
}
