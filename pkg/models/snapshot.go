package models

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// SnapshotParts carries the mutable inputs of a ContextSnapshot while it is
// being assembled.
type SnapshotParts struct {
	CreatedAt         time.Time
	ActiveApp         *ActiveApp
	ActiveFile        string
	Glossary          []GlossaryEntry
	RecentTranscripts []string
	ProviderContext   map[string]map[string]string
	Omitted           []string
}

// ContextSnapshot is an immutable view of the situational context gathered
// for one enhancement request. Accessors return copies.
type ContextSnapshot struct {
	createdAt  time.Time
	activeApp  *ActiveApp
	activeFile string
	glossary   []GlossaryEntry
	recent     []string
	providers  map[string]map[string]string
	omitted    []string
}

// NewContextSnapshot freezes parts into a snapshot.
func NewContextSnapshot(p SnapshotParts) *ContextSnapshot {
	s := &ContextSnapshot{
		createdAt:  p.CreatedAt,
		activeFile: p.ActiveFile,
		glossary:   slices.Clone(p.Glossary),
		recent:     slices.Clone(p.RecentTranscripts),
		providers:  cloneProviderContext(p.ProviderContext),
		omitted:    slices.Clone(p.Omitted),
	}
	if p.ActiveApp != nil {
		app := *p.ActiveApp
		s.activeApp = &app
	}
	slices.Sort(s.omitted)
	return s
}

func (s *ContextSnapshot) CreatedAt() time.Time { return s.createdAt }

// ActiveApp returns the foreground application, if one was known.
func (s *ContextSnapshot) ActiveApp() (ActiveApp, bool) {
	if s.activeApp == nil {
		return ActiveApp{}, false
	}
	return *s.activeApp, true
}

func (s *ContextSnapshot) ActiveFile() string { return s.activeFile }

func (s *ContextSnapshot) Glossary() []GlossaryEntry { return slices.Clone(s.glossary) }

func (s *ContextSnapshot) RecentTranscripts() []string { return slices.Clone(s.recent) }

// ProviderContext returns provider name → key → value.
func (s *ContextSnapshot) ProviderContext() map[string]map[string]string {
	return cloneProviderContext(s.providers)
}

// Omitted lists providers that failed or missed the aggregation window.
func (s *ContextSnapshot) Omitted() []string { return slices.Clone(s.omitted) }

// Parts returns a copy of the snapshot contents.
func (s *ContextSnapshot) Parts() SnapshotParts {
	p := SnapshotParts{
		CreatedAt:         s.createdAt,
		ActiveFile:        s.activeFile,
		Glossary:          s.Glossary(),
		RecentTranscripts: s.RecentTranscripts(),
		ProviderContext:   s.ProviderContext(),
		Omitted:           s.Omitted(),
	}
	if app, ok := s.ActiveApp(); ok {
		p.ActiveApp = &app
	}
	return p
}

func (s *ContextSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		CreatedAt         time.Time                    `json:"created_at"`
		ActiveApp         *ActiveApp                   `json:"active_app,omitempty"`
		ActiveFile        string                       `json:"active_file,omitempty"`
		Glossary          []GlossaryEntry              `json:"glossary,omitempty"`
		RecentTranscripts []string                     `json:"recent_transcripts,omitempty"`
		ProviderContext   map[string]map[string]string `json:"provider_context,omitempty"`
		Omitted           []string                     `json:"omitted_providers,omitempty"`
	}{
		CreatedAt:         s.createdAt,
		ActiveApp:         s.activeApp,
		ActiveFile:        s.activeFile,
		Glossary:          s.glossary,
		RecentTranscripts: s.recent,
		ProviderContext:   s.providers,
		Omitted:           s.omitted,
	})
}

func cloneProviderContext(in map[string]map[string]string) map[string]map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]map[string]string, len(in))
	for k, v := range in {
		out[k] = maps.Clone(v)
	}
	return out
}
