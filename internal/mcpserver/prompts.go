package mcpserver

import (
	"fmt"
	"strings"

	"github.com/whispo/contextd/internal/protocol"
)

func prompts() []protocol.Prompt {
	return []protocol.Prompt{
		{
			Name:        PromptTranscriptionHelp,
			Description: "Get help improving transcription accuracy",
		},
		{
			Name:        PromptFormatTranscript,
			Description: "Format a transcript for a specific context",
			Arguments: []protocol.PromptArgument{
				{Name: "transcript", Description: "The transcript to format", Required: true},
				{Name: "context", Description: "Target context (code, email, etc.)", Required: true},
			},
		},
	}
}

func getPrompt(name string, args map[string]string) (*protocol.GetPromptResult, error) {
	switch name {
	case PromptTranscriptionHelp:
		return &protocol.GetPromptResult{
			Description: "Improve voice dictation accuracy",
			Messages: []protocol.PromptMessage{
				{Role: "user", Content: protocol.TextContent("Help me improve my voice dictation accuracy")},
			},
		}, nil

	case PromptFormatTranscript:
		transcript := strings.TrimSpace(args["transcript"])
		target := strings.TrimSpace(args["context"])
		if transcript == "" {
			return nil, protocol.InvalidArguments(name, "arguments.transcript is required")
		}
		if target == "" {
			return nil, protocol.InvalidArguments(name, "arguments.context is required")
		}
		text := fmt.Sprintf(
			"Format the following dictated transcript for %s. Fix punctuation and casing, keep the wording, and return only the formatted text.\n\n%s",
			target, transcript)
		return &protocol.GetPromptResult{
			Description: "Format a transcript for " + target,
			Messages:    []protocol.PromptMessage{{Role: "user", Content: protocol.TextContent(text)}},
		}, nil

	default:
		return nil, notFound("prompt", name)
	}
}
