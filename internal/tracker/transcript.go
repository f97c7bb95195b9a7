package tracker

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// transcriptLine is the subset of a Claude Code transcript JSONL entry
// the tracker cares about. Unknown fields are ignored.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// contentBlock is one element of a structured content array.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// LastAssistantResponse reads the final assistant turn's text from a
// transcript file. Returns "" (no error) when the transcript has no
// assistant turn yet — the caller's retry policy handles that.
func LastAssistantResponse(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	// Transcript lines routinely exceed the default 64K token limit.
	scanner.Buffer(make([]byte, 0, 256*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tl transcriptLine
		if err := json.Unmarshal(line, &tl); err != nil {
			continue
		}
		if tl.Type != "assistant" && tl.Message.Role != "assistant" {
			continue
		}
		if text := extractText(tl.Message.Content); text != "" {
			last = text
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return last, nil
}

// extractText pulls plain text out of a content field that may be either
// a bare string or an array of typed blocks.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
