// Package models holds the domain types shared by the context protocol
// layer: provider configuration, connection status, tool descriptors,
// dictation state and the context snapshot handed to enhancement.
package models

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// LocalNamespace is the registry namespace of tools implemented in-process.
const LocalNamespace = "local"

// ── Provider Configuration ───────────────────────────────────

// ProviderConfig describes one external context provider launched as a
// child process speaking the protocol over stdin/stdout.
type ProviderConfig struct {
	Name    string            `json:"name" toml:"name"`
	Command string            `json:"command" toml:"command"`
	Args    []string          `json:"args,omitempty" toml:"args"`
	Env     map[string]string `json:"env,omitempty" toml:"env"`
	Enabled bool              `json:"enabled" toml:"enabled"`

	// ContextTools names zero-argument tools the aggregator pulls from this
	// provider. When empty, well-known context tools are used if present.
	ContextTools []string `json:"context_tools,omitempty" toml:"context_tools"`
}

// Equal reports whether two configs would launch the same provider.
func (c ProviderConfig) Equal(o ProviderConfig) bool {
	return c.Name == o.Name &&
		c.Command == o.Command &&
		c.Enabled == o.Enabled &&
		slices.Equal(c.Args, o.Args) &&
		maps.Equal(c.Env, o.Env) &&
		slices.Equal(c.ContextTools, o.ContextTools)
}

// Clone returns a deep copy.
func (c ProviderConfig) Clone() ProviderConfig {
	c.Args = slices.Clone(c.Args)
	c.Env = maps.Clone(c.Env)
	c.ContextTools = slices.Clone(c.ContextTools)
	return c
}

// ── Connection Status ────────────────────────────────────────

// ConnState is the lifecycle state of a provider connection.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnReady      ConnState = "ready"
	ConnDegraded   ConnState = "degraded"
	ConnClosed     ConnState = "closed"
)

// ProviderStatus is a point-in-time view of one provider connection.
type ProviderStatus struct {
	Name            string    `json:"name"`
	State           ConnState `json:"state"`
	Reason          string    `json:"reason,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ServerName      string    `json:"server_name,omitempty"`
	ServerVersion   string    `json:"server_version,omitempty"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	Attempts        int       `json:"attempts,omitempty"`
	ConnectedAt     time.Time `json:"connected_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ── Tools ────────────────────────────────────────────────────

// ToolDescriptor describes a callable tool, local or remote.
type ToolDescriptor struct {
	Namespace   string          `json:"namespace"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	// Mutating tools change shared state; the dispatcher serializes them.
	Mutating bool `json:"mutating,omitempty"`

	// Stale is set while the owning provider is degraded or failed its
	// last listing.
	Stale bool `json:"stale,omitempty"`
}

// QualifiedName returns "<namespace>/<name>".
func (d ToolDescriptor) QualifiedName() string {
	return d.Namespace + "/" + d.Name
}

// ── Dictation Domain ─────────────────────────────────────────

type GlossaryEntry struct {
	Phrase      string `json:"phrase"`
	Replacement string `json:"replacement"`
	Context     string `json:"context,omitempty"`
}

// HistoryItem is one completed transcription.
type HistoryItem struct {
	ID                 string    `json:"id"`
	CreatedAt          time.Time `json:"created_at"`
	DurationMS         int64     `json:"duration_ms"`
	Transcript         string    `json:"transcript"`
	OriginalTranscript string    `json:"original_transcript,omitempty"`
}

type ProfileSettings struct {
	Language              string `json:"language,omitempty"`
	Shortcut              string `json:"shortcut,omitempty"`
	TranscriptionProvider string `json:"transcription_provider,omitempty"`
	TranscriptionModel    string `json:"transcription_model,omitempty"`
	PostProcessing        bool   `json:"post_processing"`
}

// Profile is a named bundle of dictation settings.
type Profile struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Settings    ProfileSettings `json:"settings"`
	IsDefault   bool            `json:"is_default"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ActiveApp identifies the foreground application at dictation time.
type ActiveApp struct {
	Name        string `json:"name"`
	BundleID    string `json:"bundle_id,omitempty"`
	WindowTitle string `json:"window_title,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	PID         int    `json:"pid,omitempty"`
}

type DictationStatus struct {
	Active      bool      `json:"active"`
	Context     string    `json:"context,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
}

// ContextAwareness toggles which sources feed a snapshot.
type ContextAwareness struct {
	UseFileContext        bool `json:"use_file_context" toml:"use_file_context"`
	UseProjectContext     bool `json:"use_project_context" toml:"use_project_context"`
	UseGlossary           bool `json:"use_glossary" toml:"use_glossary"`
	UseRecentInteractions bool `json:"use_recent_interactions" toml:"use_recent_interactions"`
	MaxContextLength      int  `json:"max_context_length" toml:"max_context_length"`
}

// ServerSettings controls the inbound endpoint.
type ServerSettings struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
	Token   string `json:"-"`
}

// Settings is the runtime configuration owned by the state coordinator.
type Settings struct {
	MCPEnabled       bool             `json:"mcp_enabled"`
	Providers        []ProviderConfig `json:"providers"`
	Server           ServerSettings   `json:"server"`
	ContextAwareness ContextAwareness `json:"context_awareness"`
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	out.Providers = make([]ProviderConfig, len(s.Providers))
	for i, p := range s.Providers {
		out.Providers[i] = p.Clone()
	}
	return out
}

// DictationConfig is the aggregate returned by get_dictation_config and
// the whispo://config resource.
type DictationConfig struct {
	ActiveProfile    *Profile         `json:"active_profile"`
	Glossary         []GlossaryEntry  `json:"glossary"`
	ContextAwareness ContextAwareness `json:"context_awareness"`
	Providers        []ProviderStatus `json:"providers"`
	ServerEnabled    bool             `json:"server_enabled"`
	Dictation        DictationStatus  `json:"dictation"`
}

// ── Events ───────────────────────────────────────────────────

type EventType string

const (
	EventProviderState      EventType = "provider.state"
	EventToolsRefreshed     EventType = "tools.refreshed"
	EventDictationRequested EventType = "dictation.requested"
	EventGlossaryUpdated    EventType = "glossary.updated"
	EventProfileSwitched    EventType = "profile.switched"
	EventTranscriptionAdded EventType = "transcription.added"
)

// Event is published on the outbound channel consumed by the UI layer.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Provider  string         `json:"provider,omitempty"`
	State     ConnState      `json:"state,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
