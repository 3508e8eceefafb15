// Package enhance provides the default transcript enhancer, which applies
// glossary replacements from the context snapshot.
package enhance

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/whispo/contextd/pkg/models"
)

// Glossary replaces whole-word, case-insensitive occurrences of glossary
// phrases. Longer phrases are applied first so "MCP server" wins over "MCP".
type Glossary struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func NewGlossary() *Glossary {
	return &Glossary{cache: make(map[string]*regexp.Regexp)}
}

func (g *Glossary) Enhance(_ context.Context, transcript string, snap *models.ContextSnapshot) (string, error) {
	if snap == nil {
		return transcript, nil
	}
	entries := snap.Glossary()
	sort.SliceStable(entries, func(i, j int) bool { return len(entries[i].Phrase) > len(entries[j].Phrase) })

	out := transcript
	for _, e := range entries {
		if e.Phrase == "" {
			continue
		}
		out = g.pattern(e.Phrase).ReplaceAllLiteralString(out, e.Replacement)
	}
	return out, nil
}

func (g *Glossary) pattern(phrase string) *regexp.Regexp {
	g.mu.Lock()
	defer g.mu.Unlock()
	if re, ok := g.cache[phrase]; ok {
		return re
	}
	expr := regexp.QuoteMeta(phrase)
	// Word boundaries only make sense next to word characters.
	if first, _ := utf8.DecodeRuneInString(phrase); isWord(first) {
		expr = `\b` + expr
	}
	if last, _ := utf8.DecodeLastRuneInString(phrase); isWord(last) {
		expr += `\b`
	}
	re := regexp.MustCompile(`(?i)` + expr)
	g.cache[phrase] = re
	return re
}

// isWord matches the ASCII word class used by \b.
func isWord(r rune) bool {
	return r == '_' || (r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}
