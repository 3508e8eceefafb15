package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/store"
)

const mimeJSON = "application/json"

var errNoSource = errors.New("resource source not configured")

func resources() []protocol.Resource {
	return []protocol.Resource{
		{URI: URIConfig, Name: "Whispo Configuration", Description: "Current dictation configuration", MimeType: mimeJSON},
		{URI: URIHistory, Name: "Transcription History", Description: "Recent transcription history", MimeType: mimeJSON},
		{URI: URIGlossary, Name: "User Glossary", Description: "Custom terms and replacements", MimeType: mimeJSON},
	}
}

func (s *Server) readResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	var (
		v   any
		err error
	)
	switch uri {
	case URIConfig:
		if s.opts.Config == nil {
			return nil, errNoSource
		}
		v, err = s.opts.Config.DictationConfig(ctx)
	case URIHistory:
		if s.opts.History == nil {
			return nil, errNoSource
		}
		items, lerr := s.opts.History.ListHistory(ctx, store.ListFilter{Limit: historyResourceLimit})
		v, err = map[string]any{"items": items}, lerr
	case URIGlossary:
		if s.opts.Glossary == nil {
			return nil, errNoSource
		}
		entries, gerr := s.opts.Glossary.Glossary(ctx)
		v, err = map[string]any{"entries": entries}, gerr
	default:
		return nil, notFound("resource", uri)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", uri, err)
	}
	return &protocol.ReadResourceResult{
		Contents: []protocol.ResourceContents{{URI: uri, MimeType: mimeJSON, Text: string(b)}},
	}, nil
}
