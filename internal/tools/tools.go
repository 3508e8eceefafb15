// Package tools implements the local tools exposed to external consumers
// and binds them into the registry.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/whispo/contextd/internal/events"
	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/registry"
	"github.com/whispo/contextd/internal/store"
	"github.com/whispo/contextd/pkg/models"
)

const (
	NameTranscriptionHistory = "get_transcription_history"
	NameStartDictation       = "start_dictation"
	NameDictationConfig      = "get_dictation_config"
	NameUpdateGlossary       = "update_glossary"
	NameActiveProfile        = "get_active_profile"
	NameSwitchProfile        = "switch_profile"
	NameTranscribeAudio      = "transcribe_audio"
)

// DictationController starts a dictation session on behalf of a consumer.
type DictationController interface {
	StartDictation(ctx context.Context, hint string) (models.DictationStatus, error)
}

// ConfigSource assembles the current dictation configuration.
type ConfigSource interface {
	DictationConfig(ctx context.Context) (models.DictationConfig, error)
}

// Transcriber converts audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format, hint string) (string, error)
}

// Deps are the collaborators the local tools act on. Transcriber may be
// nil, in which case transcribe_audio fails at execution time.
type Deps struct {
	History     store.HistoryStore
	Glossary    store.GlossaryStore
	Profiles    store.ProfileStore
	Dictation   DictationController
	Config      ConfigSource
	Transcriber Transcriber
	Events      *events.Bus
}

type toolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
	Mutating    bool
	handler     func(h *handlers) registry.Handler
}

func definitions() []toolDefinition {
	return []toolDefinition{
		{
			Name:        NameTranscriptionHistory,
			Description: "Get recent transcription history, newest first.",
			InputSchema: historyInputSchema(),
			handler:     func(h *handlers) registry.Handler { return h.history },
		},
		{
			Name:        NameStartDictation,
			Description: "Start voice dictation, optionally with a context hint (code, email, ...).",
			InputSchema: startDictationInputSchema(),
			Mutating:    true,
			handler:     func(h *handlers) registry.Handler { return h.startDictation },
		},
		{
			Name:        NameDictationConfig,
			Description: "Get the current dictation configuration including glossary and active profile.",
			InputSchema: emptyInputSchema(),
			handler:     func(h *handlers) registry.Handler { return h.dictationConfig },
		},
		{
			Name:        NameUpdateGlossary,
			Description: "Add or replace glossary entries used to correct transcriptions.",
			InputSchema: updateGlossaryInputSchema(),
			Mutating:    true,
			handler:     func(h *handlers) registry.Handler { return h.updateGlossary },
		},
		{
			Name:        NameActiveProfile,
			Description: "Get the currently active dictation profile.",
			InputSchema: emptyInputSchema(),
			handler:     func(h *handlers) registry.Handler { return h.activeProfile },
		},
		{
			Name:        NameSwitchProfile,
			Description: "Switch to a different dictation profile.",
			InputSchema: switchProfileInputSchema(),
			Mutating:    true,
			handler:     func(h *handlers) registry.Handler { return h.switchProfile },
		},
		{
			Name:        NameTranscribeAudio,
			Description: "Transcribe base64-encoded audio with the configured transcription provider.",
			InputSchema: transcribeInputSchema(),
			Mutating:    true,
			handler:     func(h *handlers) registry.Handler { return h.transcribe },
		},
	}
}

// Register binds every local tool into reg.
func Register(reg *registry.Registry, deps Deps) error {
	h := &handlers{deps: deps}
	for _, def := range definitions() {
		raw, err := json.Marshal(def.InputSchema)
		if err != nil {
			return fmt.Errorf("marshal %s schema: %w", def.Name, err)
		}
		desc := models.ToolDescriptor{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: raw,
			Mutating:    def.Mutating,
		}
		if err := reg.RegisterLocal(desc, def.handler(h)); err != nil {
			return err
		}
	}
	return nil
}

// Descriptors lists the local tools in wire form.
func Descriptors(reg *registry.Registry) []protocol.Tool {
	descs := reg.Descriptors(models.LocalNamespace)
	out := make([]protocol.Tool, 0, len(descs))
	for _, d := range descs {
		readOnly := !d.Mutating
		out = append(out, protocol.Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
			Annotations: &protocol.ToolAnnotations{ReadOnlyHint: &readOnly},
		})
	}
	return out
}
