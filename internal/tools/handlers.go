package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/store"
	"github.com/whispo/contextd/pkg/models"
)

const defaultHistoryLimit = 10

var errNotConfigured = errors.New("collaborator not configured")

type handlers struct {
	deps Deps
}

func (h *handlers) history(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	if h.deps.History == nil {
		return nil, errNotConfigured
	}
	limit := defaultHistoryLimit
	if v, ok := args["limit"]; ok {
		n, err := cast.ToIntE(v)
		if err != nil {
			return nil, protocol.InvalidArguments(NameTranscriptionHistory, "limit must be an integer")
		}
		limit = n
	}
	filter := store.ListFilter{Limit: limit}
	if v, ok := args["since"]; ok {
		since, err := time.Parse(time.RFC3339, cast.ToString(v))
		if err != nil {
			return nil, protocol.InvalidArguments(NameTranscriptionHistory, "since must be an RFC 3339 timestamp")
		}
		filter.Since = &since
	}

	items, err := h.deps.History.ListHistory(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return protocol.JSONResult(map[string]any{
		"items": items,
		"total": len(items),
		"limit": limit,
	})
}

func (h *handlers) startDictation(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	if h.deps.Dictation == nil {
		return nil, errNotConfigured
	}
	hint := cast.ToString(args["context"])
	if hint == "" {
		hint = "generic"
	}
	status, err := h.deps.Dictation.StartDictation(ctx, hint)
	if err != nil {
		return nil, err
	}
	res, err := protocol.JSONResult(status)
	if err != nil {
		return nil, err
	}
	res.Content[0].Text = "Started dictation with context: " + hint
	return res, nil
}

func (h *handlers) dictationConfig(ctx context.Context, _ map[string]any) (*protocol.CallToolResult, error) {
	if h.deps.Config == nil {
		return nil, errNotConfigured
	}
	cfg, err := h.deps.Config.DictationConfig(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.JSONResult(cfg)
}

func (h *handlers) updateGlossary(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	if h.deps.Glossary == nil {
		return nil, errNotConfigured
	}
	raw, err := cast.ToSliceE(args["entries"])
	if err != nil || len(raw) == 0 {
		return nil, protocol.InvalidArguments(NameUpdateGlossary, "entries must be a non-empty array")
	}
	entries := make([]models.GlossaryEntry, 0, len(raw))
	for i, item := range raw {
		obj, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, protocol.InvalidArguments(NameUpdateGlossary, fmt.Sprintf("entries[%d] must be an object", i))
		}
		e := models.GlossaryEntry{
			Phrase:      strings.TrimSpace(cast.ToString(obj["phrase"])),
			Replacement: cast.ToString(obj["replacement"]),
			Context:     cast.ToString(obj["context"]),
		}
		if e.Phrase == "" {
			return nil, protocol.InvalidArguments(NameUpdateGlossary, fmt.Sprintf("entries[%d].phrase is required", i))
		}
		entries = append(entries, e)
	}

	if err := h.deps.Glossary.UpsertGlossary(ctx, entries); err != nil {
		return nil, fmt.Errorf("update glossary: %w", err)
	}
	phrases := make([]string, len(entries))
	for i, e := range entries {
		phrases[i] = e.Phrase
	}
	h.deps.Events.Publish(models.Event{
		Type: models.EventGlossaryUpdated,
		Data: map[string]any{"phrases": phrases},
	})

	res, err := protocol.JSONResult(map[string]any{"updated": len(entries), "entries": entries})
	if err != nil {
		return nil, err
	}
	res.Content[0].Text = fmt.Sprintf("Updated glossary with %d entries", len(entries))
	return res, nil
}

func (h *handlers) activeProfile(ctx context.Context, _ map[string]any) (*protocol.CallToolResult, error) {
	if h.deps.Profiles == nil {
		return nil, errNotConfigured
	}
	p, err := h.deps.Profiles.ActiveProfile(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.JSONResult(p)
}

func (h *handlers) switchProfile(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	if h.deps.Profiles == nil {
		return nil, errNotConfigured
	}
	id := cast.ToString(args["profile_id"])
	p, err := h.deps.Profiles.SwitchProfile(ctx, id)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, protocol.InvalidArguments(NameSwitchProfile, "unknown profile_id "+id)
		}
		return nil, err
	}
	h.deps.Events.Publish(models.Event{
		Type: models.EventProfileSwitched,
		Data: map[string]any{"profile_id": p.ID, "name": p.Name},
	})

	res, err := protocol.JSONResult(p)
	if err != nil {
		return nil, err
	}
	res.Content[0].Text = "Switched to profile: " + p.Name
	return res, nil
}

func (h *handlers) transcribe(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	audio, err := base64.StdEncoding.DecodeString(cast.ToString(args["audio"]))
	if err != nil || len(audio) == 0 {
		return nil, protocol.InvalidArguments(NameTranscribeAudio, "audio must be non-empty base64")
	}
	if h.deps.Transcriber == nil {
		return nil, fmt.Errorf("transcriber: %w", errNotConfigured)
	}
	format := cast.ToString(args["format"])
	if format == "" {
		format = "wav"
	}
	hint := cast.ToString(args["context"])

	started := time.Now()
	text, err := h.deps.Transcriber.Transcribe(ctx, audio, format, hint)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	item := models.HistoryItem{
		ID:         uuid.NewString(),
		CreatedAt:  started.UTC(),
		DurationMS: time.Since(started).Milliseconds(),
		Transcript: text,
	}
	if h.deps.History != nil {
		if err := h.deps.History.AppendHistory(ctx, item); err != nil {
			return nil, fmt.Errorf("record transcription: %w", err)
		}
	}
	h.deps.Events.Publish(models.Event{
		Type: models.EventTranscriptionAdded,
		Data: map[string]any{"id": item.ID},
	})

	res, err := protocol.JSONResult(item)
	if err != nil {
		return nil, err
	}
	res.Content[0].Text = text
	return res, nil
}
