package llm

import (
	"regexp"
	"strings"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// CleanOutput strips reasoning wrappers (<think>...</think>) and markdown code
// fence lines from raw backend output and trims surrounding whitespace.
func CleanOutput(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimSpace(thinkBlock.ReplaceAllString(text, ""))
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
