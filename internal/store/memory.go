package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whispo/contextd/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	History       []models.HistoryItem   `json:"history"`
	Glossary      []models.GlossaryEntry `json:"glossary"`
	Profiles      []models.Profile       `json:"profiles"`
	ActiveProfile string                 `json:"active_profile_id"`
}

// MemoryStore implements Store with in-memory slices. When a snapshot path
// is given, writes are persisted to a JSON file so data survives restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	history  []models.HistoryItem   // oldest first
	glossary []models.GlossaryEntry // insertion order
	profiles map[string]models.Profile
	activeID string

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates an in-memory store. If snapshotPath is non-empty,
// existing data is loaded from it and changes are flushed back.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	m := &MemoryStore{
		profiles: make(map[string]models.Profile),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}

	if snapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o755); err != nil {
			log.Warn().Err(err).Str("path", snapshotPath).Msg("Cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = snapshotPath
			m.loadSnapshot()
			go m.saveLoop()
		}
	}
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(500 * time.Millisecond):
			case <-m.doneCh:
				return
			}
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		History:       m.history,
		Glossary:      m.glossary,
		Profiles:      m.sortedProfiles(),
		ActiveProfile: m.activeID,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = snap.History
	m.glossary = snap.Glossary
	for _, p := range snap.Profiles {
		m.profiles[p.ID] = p
	}
	m.activeID = snap.ActiveProfile

	log.Info().
		Int("history", len(m.history)).
		Int("glossary", len(m.glossary)).
		Int("profiles", len(m.profiles)).
		Msg("Loaded snapshot from disk")
}

// ── History ─────────────────────────────────────────────────

func (m *MemoryStore) ListHistory(_ context.Context, filter ListFilter) ([]models.HistoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.HistoryItem, 0)
	for i := len(m.history) - 1; i >= 0; i-- {
		item := m.history[i]
		if filter.Since != nil && item.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, item)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, item models.HistoryItem) error {
	m.mu.Lock()
	// Keep chronological order even when items arrive out of order.
	i := sort.Search(len(m.history), func(i int) bool { return m.history[i].CreatedAt.After(item.CreatedAt) })
	m.history = append(m.history, models.HistoryItem{})
	copy(m.history[i+1:], m.history[i:])
	m.history[i] = item
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) PurgeHistory(_ context.Context, before time.Time, keep int) (int, error) {
	m.mu.Lock()
	n := len(m.history)
	if !before.IsZero() {
		i := sort.Search(len(m.history), func(i int) bool { return !m.history[i].CreatedAt.Before(before) })
		m.history = m.history[i:]
	}
	if keep > 0 && len(m.history) > keep {
		m.history = m.history[len(m.history)-keep:]
	}
	m.history = append([]models.HistoryItem(nil), m.history...)
	removed := n - len(m.history)
	m.mu.Unlock()
	if removed > 0 {
		m.requestSave()
	}
	return removed, nil
}

// ── Glossary ────────────────────────────────────────────────

func (m *MemoryStore) Glossary(_ context.Context) ([]models.GlossaryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.GlossaryEntry{}, m.glossary...), nil
}

func (m *MemoryStore) UpsertGlossary(_ context.Context, entries []models.GlossaryEntry) error {
	m.mu.Lock()
	for _, e := range entries {
		replaced := false
		for i := range m.glossary {
			if strings.EqualFold(m.glossary[i].Phrase, e.Phrase) {
				m.glossary[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			m.glossary = append(m.glossary, e)
		}
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Profiles ────────────────────────────────────────────────

func (m *MemoryStore) ListProfiles(_ context.Context) ([]models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedProfiles(), nil
}

func (m *MemoryStore) SaveProfile(_ context.Context, p models.Profile) error {
	now := time.Now().UTC()
	m.mu.Lock()
	if old, ok := m.profiles[p.ID]; ok {
		p.CreatedAt = old.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.profiles[p.ID] = p
	if m.activeID == "" && p.IsDefault {
		m.activeID = p.ID
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ActiveProfile(_ context.Context) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[m.activeID]
	if !ok {
		return nil, &ErrNotFound{Entity: "active profile"}
	}
	return &p, nil
}

func (m *MemoryStore) SwitchProfile(_ context.Context, id string) (*models.Profile, error) {
	m.mu.Lock()
	p, ok := m.profiles[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "profile", Key: id}
	}
	m.activeID = id
	m.mu.Unlock()
	m.requestSave()
	return &p, nil
}

// sortedProfiles must be called with mu held.
func (m *MemoryStore) sortedProfiles() []models.Profile {
	out := make([]models.Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save loop and flushes a final snapshot.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}
