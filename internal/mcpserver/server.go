// Package mcpserver answers protocol messages from external consumers.
//
// It is transport agnostic: the HTTP layer decodes a message, hands it to
// Handle and writes back whatever comes out. It supports:
//   - the initialize handshake with version negotiation
//   - tool discovery and invocation through the dispatcher
//   - read-only resources for configuration, history and glossary
//   - canned prompts for dictation clean-up
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/whispo/contextd/internal/dispatch"
	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/registry"
	"github.com/whispo/contextd/internal/store"
	"github.com/whispo/contextd/internal/tools"
)

// Resource URIs.
const (
	URIConfig   = "whispo://config"
	URIHistory  = "whispo://history"
	URIGlossary = "whispo://glossary"
)

// Prompt names.
const (
	PromptTranscriptionHelp = "transcription_help"
	PromptFormatTranscript  = "format_transcript"
)

const historyResourceLimit = 50

type Options struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Config     tools.ConfigSource
	History    store.HistoryStore
	Glossary   store.GlossaryStore

	Info         protocol.Implementation
	Instructions string
}

// Server maps inbound requests onto the local tool registry and stores.
type Server struct {
	opts Options
}

func New(opts Options) *Server {
	if opts.Info.Name == "" {
		opts.Info = protocol.Implementation{Name: "contextd", Version: "dev"}
	}
	if opts.Dispatcher == nil && opts.Registry != nil {
		opts.Dispatcher = dispatch.New(opts.Registry)
	}
	return &Server{opts: opts}
}

// Handle processes one decoded message. It returns nil for notifications
// and for responses, which need no reply.
func (s *Server) Handle(ctx context.Context, m protocol.Message) *protocol.Message {
	if m.IsResponse() {
		log.Debug().Str("id", idString(m.ID)).Msg("Ignoring response from consumer")
		return nil
	}

	req, err := protocol.ParseRequest(m)
	if err != nil {
		return s.reply(m, nil, err)
	}

	switch r := req.(type) {

	// ── Lifecycle ────────────────────────────────────
	case protocol.Initialize:
		return s.reply(m, s.initialize(r), nil)

	case protocol.Initialized:
		log.Debug().Msg("MCP consumer initialized")
		return nil

	case protocol.Cancelled:
		// Calls run to completion within a single HTTP exchange, so there
		// is nothing left to cancel by the time this arrives.
		log.Debug().Str("request_id", idString(r.RequestID)).Str("reason", r.Reason).Msg("Cancellation received")
		return nil

	case protocol.Shutdown:
		log.Debug().Msg("MCP consumer shut down")
		return nil

	case protocol.Ping:
		return s.reply(m, struct{}{}, nil)

	// ── Tools ────────────────────────────────────────
	case protocol.ToolsList:
		return s.reply(m, protocol.ListToolsResult{Tools: tools.Descriptors(s.opts.Registry)}, nil)

	case protocol.ToolsCall:
		res, err := s.callTool(ctx, r)
		return s.reply(m, res, err)

	// ── Resources ────────────────────────────────────
	case protocol.ResourcesList:
		return s.reply(m, protocol.ListResourcesResult{Resources: resources()}, nil)

	case protocol.ResourcesRead:
		res, err := s.readResource(ctx, r.URI)
		return s.reply(m, res, err)

	// ── Prompts ──────────────────────────────────────
	case protocol.PromptsList:
		return s.reply(m, protocol.ListPromptsResult{Prompts: prompts()}, nil)

	case protocol.PromptsGet:
		res, err := getPrompt(r.Name, r.Arguments)
		return s.reply(m, res, err)

	default:
		if m.IsNotification() {
			return nil
		}
		data, _ := json.Marshal(map[string]string{"method": req.Method()})
		resp := protocol.NewErrorResponse(m.ID, &protocol.RPCError{
			Code:    protocol.CodeMethodNotFound,
			Message: "Method not found",
			Data:    data,
		})
		return &resp
	}
}

// HandleBytes decodes data and handles it. Undecodable input yields a
// parse error response with a null id.
func (s *Server) HandleBytes(ctx context.Context, data []byte) *protocol.Message {
	m, err := protocol.Decode(data)
	if err != nil {
		resp := protocol.NewErrorResponse(nil, RPCError(err))
		return &resp
	}
	return s.Handle(ctx, m)
}

// initialize agrees on the consumer's protocol version when supported and
// otherwise offers the newest one.
func (s *Server) initialize(r protocol.Initialize) protocol.InitializeResult {
	version := protocol.LatestProtocolVersion
	if protocol.SupportsVersion(r.Params.ProtocolVersion) {
		version = r.Params.ProtocolVersion
	}
	log.Info().
		Str("client", r.Params.ClientInfo.Name).
		Str("client_version", r.Params.ClientInfo.Version).
		Str("protocol_version", version).
		Msg("MCP consumer connected")

	return protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities: protocol.Capabilities{
			Tools:     &protocol.ToolsCapability{},
			Resources: &protocol.ResourcesCapability{},
			Prompts:   &protocol.PromptsCapability{},
		},
		ServerInfo:   s.opts.Info,
		Instructions: s.opts.Instructions,
	}
}

// callTool runs a tool. Execution failures become error results so the
// consumer's model can see them; lookup and argument failures stay
// protocol errors.
func (s *Server) callTool(ctx context.Context, r protocol.ToolsCall) (*protocol.CallToolResult, error) {
	if s.opts.Dispatcher == nil {
		return nil, protocol.ToolNotFound("", r.Name)
	}
	res, err := s.opts.Dispatcher.Dispatch(ctx, r.Name, r.Arguments)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, protocol.ErrToolExecutionFailed) {
		return nil, err
	}
	log.Warn().Err(err).Str("tool", r.Name).Msg("Tool execution failed")
	return &protocol.CallToolResult{
		Content: []protocol.Content{protocol.TextContent(fmt.Sprintf("Tool execution error: %s", cause(err)))},
		StructuredContent: map[string]any{
			"error": map[string]string{
				"kind":    protocol.KindToolExecutionFailed.String(),
				"message": cause(err),
			},
		},
		IsError: true,
	}, nil
}

func (s *Server) reply(m protocol.Message, result any, err error) *protocol.Message {
	if m.IsNotification() {
		if err != nil {
			log.Debug().Err(err).Str("method", m.Method).Msg("Notification failed")
		}
		return nil
	}
	if err != nil {
		resp := protocol.NewErrorResponse(m.ID, RPCError(err))
		return &resp
	}
	resp, err := protocol.NewResult(*m.ID, result)
	if err != nil {
		resp = protocol.NewErrorResponse(m.ID, RPCError(err))
	}
	return &resp
}

// RPCError maps an error to its wire form. Typed errors carry their kind
// and the violated constraint in data.
func RPCError(err error) *protocol.RPCError {
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		return &protocol.RPCError{Code: protocol.CodeInternalError, Message: "Internal error", Data: quote(err.Error())}
	}

	data := map[string]string{"kind": pe.Kind.String()}
	if pe.Tool != "" {
		data["tool"] = pe.Tool
	}
	if pe.Constraint != "" {
		data["constraint"] = pe.Constraint
	}
	raw, _ := json.Marshal(data)

	switch pe.Kind {
	case protocol.KindMalformedMessage:
		return &protocol.RPCError{Code: protocol.CodeParseError, Message: "Parse error", Data: raw}
	case protocol.KindToolNotFound:
		return &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "Unknown tool: " + pe.Tool, Data: raw}
	case protocol.KindInvalidArguments:
		msg := "Invalid params"
		if pe.Constraint != "" {
			msg += ": " + pe.Constraint
		}
		return &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: msg, Data: raw}
	default:
		return &protocol.RPCError{Code: protocol.CodeInternalError, Message: pe.Error(), Data: raw}
	}
}

// cause strips the kind prefix from execution failures.
func cause(err error) string {
	var pe *protocol.Error
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err.Error()
	}
	return err.Error()
}

func quote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func idString(id *protocol.ID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func notFound(what, name string) error {
	return protocol.InvalidArguments("", fmt.Sprintf("unknown %s %q", what, strings.TrimSpace(name)))
}
