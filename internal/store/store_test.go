package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/whispo/contextd/internal/store"
	"github.com/whispo/contextd/pkg/models"
)

// implementations runs fn against every Store implementation.
func implementations(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Run("memory", func(t *testing.T) {
		s := store.NewMemoryStore("")
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s := store.NewSQLiteStore(filepath.Join(t.TempDir(), "contextd.db"))
		if err := s.Init(context.Background()); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

// ─── History ─────────────────────────────────────────────────

func TestHistory_NewestFirstWithFilters(t *testing.T) {
	implementations(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		for i, text := range []string{"first", "second", "third"} {
			item := models.HistoryItem{
				ID:         text,
				CreatedAt:  base.Add(time.Duration(i) * time.Minute),
				DurationMS: 1500,
				Transcript: text,
			}
			if err := s.AppendHistory(ctx, item); err != nil {
				t.Fatalf("AppendHistory() error = %v", err)
			}
		}

		all, err := s.ListHistory(ctx, store.ListFilter{})
		if err != nil {
			t.Fatalf("ListHistory() error = %v", err)
		}
		if len(all) != 3 || all[0].Transcript != "third" || all[2].Transcript != "first" {
			t.Fatalf("ListHistory() = %+v, want newest first", all)
		}
		if !all[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
			t.Errorf("CreatedAt = %v, want %v", all[0].CreatedAt, base.Add(2*time.Minute))
		}

		limited, _ := s.ListHistory(ctx, store.ListFilter{Limit: 2})
		if len(limited) != 2 || limited[1].Transcript != "second" {
			t.Errorf("ListHistory(limit 2) = %+v", limited)
		}

		since := base.Add(time.Minute)
		recent, _ := s.ListHistory(ctx, store.ListFilter{Since: &since})
		if len(recent) != 2 {
			t.Errorf("ListHistory(since) returned %d items, want 2", len(recent))
		}
	})
}

func TestHistory_Purge(t *testing.T) {
	implementations(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		for i := range 5 {
			item := models.HistoryItem{
				ID:         string(rune('a' + i)),
				CreatedAt:  base.Add(time.Duration(i) * time.Hour),
				Transcript: "item",
			}
			if err := s.AppendHistory(ctx, item); err != nil {
				t.Fatalf("AppendHistory() error = %v", err)
			}
		}

		n, err := s.PurgeHistory(ctx, base.Add(time.Hour), 0)
		if err != nil {
			t.Fatalf("PurgeHistory(age) error = %v", err)
		}
		if n != 1 {
			t.Errorf("PurgeHistory(age) removed %d, want 1", n)
		}

		n, err = s.PurgeHistory(ctx, time.Time{}, 2)
		if err != nil {
			t.Fatalf("PurgeHistory(keep) error = %v", err)
		}
		if n != 2 {
			t.Errorf("PurgeHistory(keep) removed %d, want 2", n)
		}

		left, _ := s.ListHistory(ctx, store.ListFilter{})
		if len(left) != 2 || left[0].ID != "e" || left[1].ID != "d" {
			t.Errorf("remaining = %+v, want e, d", left)
		}

		if n, _ := s.PurgeHistory(ctx, time.Time{}, 0); n != 0 {
			t.Errorf("PurgeHistory(disabled) removed %d, want 0", n)
		}
	})
}

// ─── Glossary ────────────────────────────────────────────────

func TestGlossary_UpsertKeepsOrder(t *testing.T) {
	implementations(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		err := s.UpsertGlossary(ctx, []models.GlossaryEntry{
			{Phrase: "MCP", Replacement: "MCP protocol"},
			{Phrase: "k8s", Replacement: "Kubernetes"},
		})
		if err != nil {
			t.Fatalf("UpsertGlossary() error = %v", err)
		}
		err = s.UpsertGlossary(ctx, []models.GlossaryEntry{
			{Phrase: "mcp", Replacement: "Model Context Protocol", Context: "tech"},
		})
		if err != nil {
			t.Fatalf("UpsertGlossary() error = %v", err)
		}

		got, err := s.Glossary(ctx)
		if err != nil {
			t.Fatalf("Glossary() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("Glossary() = %+v, want 2 entries", got)
		}
		if got[0].Replacement != "Model Context Protocol" || got[0].Context != "tech" {
			t.Errorf("Glossary()[0] = %+v, want replaced entry in place", got[0])
		}
		if got[1].Phrase != "k8s" {
			t.Errorf("Glossary()[1] = %+v, want k8s", got[1])
		}
	})
}

// ─── Profiles ────────────────────────────────────────────────

func TestProfiles_SwitchAndActive(t *testing.T) {
	implementations(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		if _, err := s.ActiveProfile(ctx); err == nil {
			t.Fatal("ActiveProfile() on empty store should fail")
		}

		def := models.Profile{ID: "default", Name: "Default", IsDefault: true}
		work := models.Profile{ID: "work", Name: "Work", Settings: models.ProfileSettings{Language: "de", PostProcessing: true}}
		for _, p := range []models.Profile{def, work} {
			if err := s.SaveProfile(ctx, p); err != nil {
				t.Fatalf("SaveProfile(%s) error = %v", p.ID, err)
			}
		}

		active, err := s.ActiveProfile(ctx)
		if err != nil {
			t.Fatalf("ActiveProfile() error = %v", err)
		}
		if active.ID != "default" {
			t.Errorf("ActiveProfile().ID = %q, want default", active.ID)
		}

		switched, err := s.SwitchProfile(ctx, "work")
		if err != nil {
			t.Fatalf("SwitchProfile() error = %v", err)
		}
		if switched.Settings.Language != "de" || !switched.Settings.PostProcessing {
			t.Errorf("SwitchProfile() = %+v", switched)
		}
		active, _ = s.ActiveProfile(ctx)
		if active == nil || active.ID != "work" {
			t.Errorf("ActiveProfile() after switch = %+v, want work", active)
		}

		_, err = s.SwitchProfile(ctx, "missing")
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			t.Fatalf("SwitchProfile(missing) error = %v, want ErrNotFound", err)
		}
		active, _ = s.ActiveProfile(ctx)
		if active.ID != "work" {
			t.Errorf("failed switch changed the active profile to %q", active.ID)
		}

		list, _ := s.ListProfiles(ctx)
		if len(list) != 2 || list[0].ID != "default" {
			t.Errorf("ListProfiles() = %+v", list)
		}
	})
}

// ─── Persistence ─────────────────────────────────────────────

func TestMemoryStore_SnapshotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	ctx := context.Background()

	s := store.NewMemoryStore(path)
	_ = s.UpsertGlossary(ctx, []models.GlossaryEntry{{Phrase: "MCP", Replacement: "Model Context Protocol"}})
	_ = s.SaveProfile(ctx, models.Profile{ID: "default", Name: "Default", IsDefault: true})
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := store.NewMemoryStore(path)
	defer reopened.Close()
	g, _ := reopened.Glossary(ctx)
	if len(g) != 1 || g[0].Replacement != "Model Context Protocol" {
		t.Errorf("Glossary() after restart = %+v", g)
	}
	p, err := reopened.ActiveProfile(ctx)
	if err != nil || p.ID != "default" {
		t.Errorf("ActiveProfile() after restart = %+v, %v", p, err)
	}
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contextd.db")
	ctx := context.Background()

	s := store.NewSQLiteStore(path)
	if err := s.AppendHistory(ctx, models.HistoryItem{ID: "h1", CreatedAt: time.Now(), Transcript: "hello"}); err != nil {
		t.Fatalf("AppendHistory() error = %v", err)
	}
	s.Close()

	reopened := store.NewSQLiteStore(path)
	defer reopened.Close()
	if err := reopened.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	items, err := reopened.ListHistory(ctx, store.ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(items) != 1 || items[0].Transcript != "hello" {
		t.Errorf("ListHistory() = %+v", items)
	}
}
