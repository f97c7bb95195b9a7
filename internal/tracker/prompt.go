package tracker

import (
	"strings"

	"github.com/rajeshgoli/switchboard/internal/registry"
)

// promptGlyphs maps pane providers to the input-prompt glyph that marks
// an idle composer.
var promptGlyphs = map[registry.Provider]string{
	registry.ProviderClaudeTmux: ">",
	registry.ProviderCodexTmux:  "▌",
}

// PromptGlyph returns the idle-prompt glyph for a provider, or "" when
// the provider has no pane prompt.
func PromptGlyph(p registry.Provider) string {
	return promptGlyphs[p]
}

// PromptIdle reports whether a pane capture shows the provider's idle
// prompt. The last non-empty line, trimmed of trailing whitespace, must
// exactly equal the glyph: "> some text" is a typed-but-unsubmitted
// prompt, not an idle one, so the match is anchored at line end.
func PromptIdle(p registry.Provider, capture string) bool {
	glyph, ok := promptGlyphs[p]
	if !ok {
		return false
	}

	lines := strings.Split(capture, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t\r")
		if line == "" {
			continue
		}
		return line == glyph
	}
	return false
}
