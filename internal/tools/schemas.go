package tools

// AudioFormats are the accepted values of transcribe_audio's format.
var AudioFormats = []string{"wav", "mp3", "m4a", "ogg", "webm", "flac"}

func emptyInputSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           map[string]any{},
	}
}

func historyInputSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"limit": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     100,
				"default":     10,
				"description": "Maximum number of items to return",
			},
			"since": map[string]any{
				"type":        "string",
				"format":      "date-time",
				"description": "RFC 3339 timestamp; only newer items are returned",
			},
		},
	}
}

func startDictationInputSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"context": map[string]any{
				"type":        "string",
				"description": "Context hint for dictation (code, email, etc.)",
			},
		},
	}
}

func updateGlossaryInputSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"entries": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"phrase":      map[string]any{"type": "string", "minLength": 1},
						"replacement": map[string]any{"type": "string"},
						"context":     map[string]any{"type": "string"},
					},
					"required": []string{"phrase", "replacement"},
				},
			},
		},
		"required": []string{"entries"},
	}
}

func switchProfileInputSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"profile_id": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "ID of the profile to switch to",
			},
		},
		"required": []string{"profile_id"},
	}
}

func transcribeInputSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"audio": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Base64-encoded audio",
			},
			"format": map[string]any{
				"type": "string",
				"enum": AudioFormats,
			},
			"context": map[string]any{
				"type":        "string",
				"description": "Context to improve transcription accuracy",
			},
		},
		"required": []string{"audio"},
	}
}
