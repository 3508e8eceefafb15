package protocol

import (
	"encoding/json"
)

// Request is the decoded form of an inbound request or notification. The
// concrete type identifies the method; unknown methods decode to Unknown.
type Request interface {
	Method() string
	isRequest()
}

type Initialize struct{ Params InitializeParams }

type Initialized struct{}

type Ping struct{}

type ToolsList struct{ Cursor string }

type ToolsCall struct {
	Name      string
	Arguments map[string]any
}

type ResourcesList struct{ Cursor string }

type ResourcesRead struct{ URI string }

type PromptsList struct{ Cursor string }

type PromptsGet struct {
	Name      string
	Arguments map[string]string
}

type Cancelled struct {
	RequestID *ID
	Reason    string
}

type Shutdown struct{}

type Unknown struct{ Name string }

func (Initialize) Method() string    { return MethodInitialize }
func (Initialized) Method() string   { return MethodInitialized }
func (Ping) Method() string          { return MethodPing }
func (ToolsList) Method() string     { return MethodToolsList }
func (ToolsCall) Method() string     { return MethodToolsCall }
func (ResourcesList) Method() string { return MethodResourcesList }
func (ResourcesRead) Method() string { return MethodResourcesRead }
func (PromptsList) Method() string   { return MethodPromptsList }
func (PromptsGet) Method() string    { return MethodPromptsGet }
func (Cancelled) Method() string     { return MethodCancelled }
func (Shutdown) Method() string      { return MethodShutdown }
func (u Unknown) Method() string     { return u.Name }

func (Initialize) isRequest()    {}
func (Initialized) isRequest()   {}
func (Ping) isRequest()          {}
func (ToolsList) isRequest()     {}
func (ToolsCall) isRequest()     {}
func (ResourcesList) isRequest() {}
func (ResourcesRead) isRequest() {}
func (PromptsList) isRequest()   {}
func (PromptsGet) isRequest()    {}
func (Cancelled) isRequest()     {}
func (Shutdown) isRequest()      {}
func (Unknown) isRequest()       {}

// ParseRequest decodes the params of a request or notification into its
// tagged variant. Params that do not match the method's shape yield an
// InvalidArguments error.
func ParseRequest(m Message) (Request, error) {
	switch m.Method {
	case MethodInitialize:
		var p InitializeParams
		if err := decodeParams(m, &p); err != nil {
			return nil, err
		}
		return Initialize{Params: p}, nil
	case MethodInitialized:
		return Initialized{}, nil
	case MethodPing:
		return Ping{}, nil
	case MethodToolsList:
		var p ListParams
		if err := decodeParams(m, &p); err != nil {
			return nil, err
		}
		return ToolsList{Cursor: p.Cursor}, nil
	case MethodToolsCall:
		var p CallToolParams
		if err := decodeParams(m, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, InvalidArguments("", "params.name is required")
		}
		if p.Arguments == nil {
			p.Arguments = map[string]any{}
		}
		return ToolsCall{Name: p.Name, Arguments: p.Arguments}, nil
	case MethodResourcesList:
		var p ListParams
		if err := decodeParams(m, &p); err != nil {
			return nil, err
		}
		return ResourcesList{Cursor: p.Cursor}, nil
	case MethodResourcesRead:
		var p ReadResourceParams
		if err := decodeParams(m, &p); err != nil {
			return nil, err
		}
		if p.URI == "" {
			return nil, InvalidArguments("", "params.uri is required")
		}
		return ResourcesRead{URI: p.URI}, nil
	case MethodPromptsList:
		var p ListParams
		if err := decodeParams(m, &p); err != nil {
			return nil, err
		}
		return PromptsList{Cursor: p.Cursor}, nil
	case MethodPromptsGet:
		var p GetPromptParams
		if err := decodeParams(m, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, InvalidArguments("", "params.name is required")
		}
		return PromptsGet{Name: p.Name, Arguments: p.Arguments}, nil
	case MethodCancelled:
		var p CancelledParams
		if err := decodeParams(m, &p); err != nil {
			return nil, err
		}
		return Cancelled{RequestID: p.RequestID, Reason: p.Reason}, nil
	case MethodShutdown:
		return Shutdown{}, nil
	default:
		return Unknown{Name: m.Method}, nil
	}
}

func decodeParams(m Message, v any) error {
	if len(m.Params) == 0 || string(m.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return InvalidArguments("", "params: "+err.Error())
	}
	return nil
}
