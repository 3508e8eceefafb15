// Package providertest runs scripted protocol providers over in-memory
// pipes for tests.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/whispo/contextd/internal/process"
	"github.com/whispo/contextd/internal/protocol"
	"github.com/whispo/contextd/internal/provider"
	"github.com/whispo/contextd/pkg/models"
)

// CallFunc answers tools/call. A returned error becomes a JSON-RPC error.
type CallFunc func(ctx context.Context, name string, args map[string]any) (*protocol.CallToolResult, error)

// Server is a scripted provider. Fields must be set before the first
// launch.
type Server struct {
	Name            string
	ProtocolVersion string
	Tools           []protocol.Tool
	// PageSize splits tools/list into pages linked by nextCursor.
	PageSize int
	Call     CallFunc
	// Silent providers never answer initialize.
	Silent bool
	// RejectInitialize answers initialize with an error.
	RejectInitialize bool
	// LaunchErr, when set, is consulted on every launch (1-based).
	LaunchErr func(attempt int) error
	// NoPing answers ping with method-not-found.
	NoPing bool
	// HangPing never answers ping.
	HangPing bool
	// HangList, when set, is consulted on every tools/list (1-based);
	// returning true leaves the request unanswered.
	HangList func(n int) bool

	mu         sync.Mutex
	launches   int
	received   map[string]int
	transports []*Transport
}

// Launcher returns a launcher that starts a fresh in-memory instance per
// launch.
func (s *Server) Launcher() provider.LauncherFunc {
	return func(_ context.Context, cfg models.ProviderConfig, logs *process.LogBuffer) (provider.Transport, error) {
		s.mu.Lock()
		s.launches++
		attempt := s.launches
		s.mu.Unlock()

		if s.LaunchErr != nil {
			if err := s.LaunchErr(attempt); err != nil {
				return nil, err
			}
		}
		t := newTransport()
		s.mu.Lock()
		s.transports = append(s.transports, t)
		s.mu.Unlock()
		if logs != nil {
			logs.Write("stderr", cfg.Name+" started")
		}
		go s.serve(t)
		return t, nil
	}
}

// Launches reports how many times the provider was started.
func (s *Server) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Received reports how many messages with method arrived.
func (s *Server) Received(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[method]
}

// Crash ends the output stream of the most recent instance, as if the
// process died.
func (s *Server) Crash() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.transports); n > 0 {
		s.transports[n-1].crash()
	}
}

func (s *Server) serve(t *Transport) {
	var wmu sync.Mutex
	write := func(msg protocol.Message) {
		b, err := protocol.Encode(msg)
		if err != nil {
			return
		}
		wmu.Lock()
		defer wmu.Unlock()
		_ = protocol.WriteLine(t.serverW, b)
	}

	lr := protocol.NewLineReader(t.serverR)
	for {
		frame, err := lr.Next()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(frame)
		if err != nil || msg.IsResponse() {
			continue
		}
		s.mu.Lock()
		if s.received == nil {
			s.received = map[string]int{}
		}
		s.received[msg.Method]++
		s.mu.Unlock()
		if msg.IsNotification() {
			continue
		}
		go func(msg protocol.Message) {
			if resp := s.answer(msg); resp != nil {
				write(*resp)
			}
		}(msg)
	}
}

func (s *Server) answer(msg protocol.Message) *protocol.Message {
	id := *msg.ID
	fail := func(code int, text string) *protocol.Message {
		resp := protocol.NewErrorResponse(&id, &protocol.RPCError{Code: code, Message: text})
		return &resp
	}
	ok := func(v any) *protocol.Message {
		resp, err := protocol.NewResult(id, v)
		if err != nil {
			return fail(protocol.CodeInternalError, err.Error())
		}
		return &resp
	}

	switch msg.Method {
	case protocol.MethodInitialize:
		if s.Silent {
			return nil
		}
		if s.RejectInitialize {
			return fail(protocol.CodeInvalidRequest, "initialize rejected")
		}
		version := s.ProtocolVersion
		if version == "" {
			version = protocol.DefaultProtocolVersion
		}
		name := s.Name
		if name == "" {
			name = "providertest"
		}
		return ok(protocol.InitializeResult{
			ProtocolVersion: version,
			Capabilities:    protocol.Capabilities{Tools: &protocol.ToolsCapability{}},
			ServerInfo:      protocol.Implementation{Name: name, Version: "test"},
		})
	case protocol.MethodPing:
		if s.HangPing {
			return nil
		}
		if s.NoPing {
			return fail(protocol.CodeMethodNotFound, "Method not found")
		}
		return ok(struct{}{})
	case protocol.MethodToolsList:
		if s.HangList != nil && s.HangList(s.Received(protocol.MethodToolsList)) {
			return nil
		}
		var p protocol.ListParams
		_ = json.Unmarshal(msg.Params, &p)
		return ok(s.page(p.Cursor))
	case protocol.MethodToolsCall:
		var p protocol.CallToolParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return fail(protocol.CodeInvalidParams, err.Error())
		}
		if s.Call == nil {
			return ok(protocol.TextResult(p.Name))
		}
		res, err := s.Call(context.Background(), p.Name, p.Arguments)
		if err != nil {
			return fail(protocol.CodeInternalError, err.Error())
		}
		if res == nil {
			return nil
		}
		return ok(res)
	default:
		return fail(protocol.CodeMethodNotFound, "Method not found")
	}
}

func (s *Server) page(cursor string) protocol.ListToolsResult {
	tools := append([]protocol.Tool(nil), s.Tools...)
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	if s.PageSize <= 0 {
		return protocol.ListToolsResult{Tools: tools}
	}
	start, _ := strconv.Atoi(cursor)
	if start > len(tools) {
		start = len(tools)
	}
	end := start + s.PageSize
	res := protocol.ListToolsResult{}
	if end < len(tools) {
		res.NextCursor = strconv.Itoa(end)
	} else {
		end = len(tools)
	}
	res.Tools = tools[start:end]
	return res
}

// Tool builds a tool with an object schema declaring the given string
// properties as required.
func Tool(name string, required ...string) protocol.Tool {
	props := map[string]any{}
	for _, r := range required {
		props[r] = map[string]any{"type": "string"}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return protocol.Tool{Name: name, Description: name + " tool", InputSchema: raw}
}

// Transport is the client side of an in-memory provider.
type Transport struct {
	clientR *io.PipeReader
	serverW *io.PipeWriter
	serverR *io.PipeReader
	clientW *io.PipeWriter

	once sync.Once
}

func newTransport() *Transport {
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	return &Transport{clientR: clientR, serverW: serverW, serverR: serverR, clientW: clientW}
}

func (t *Transport) Read(b []byte) (int, error)  { return t.clientR.Read(b) }
func (t *Transport) Write(b []byte) (int, error) { return t.clientW.Write(b) }

func (t *Transport) Close() error {
	t.once.Do(func() {
		_ = t.clientW.Close()
		_ = t.serverW.Close()
		_ = t.clientR.Close()
		_ = t.serverR.Close()
	})
	return nil
}

func (t *Transport) crash() {
	_ = t.serverW.Close()
	_ = t.serverR.CloseWithError(io.ErrClosedPipe)
}

// WaitFor polls cond until it holds or the timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// Fleet routes launches to a scripted server per provider name. Unknown
// names fail to launch.
type Fleet map[string]*Server

func (f Fleet) Launcher() provider.LauncherFunc {
	return func(ctx context.Context, cfg models.ProviderConfig, logs *process.LogBuffer) (provider.Transport, error) {
		srv, ok := f[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("exec: %q: executable file not found in $PATH", cfg.Command)
		}
		return srv.Launcher()(ctx, cfg, logs)
	}
}
