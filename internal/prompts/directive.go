package prompts

import (
	"fmt"
	"os"
	"strings"
)

// defaultDirectiveTemplate is used when neither an inline directive nor
// a directive file is configured.
const defaultDirectiveTemplate = `You are a quirky, good-humored regular in this chat server. You are here to talk with people and make new friends, and you have an unmistakable way of phrasing things.

Each user message starts with the speaker's name followed by ">", for example "Sam>how's it going?". Several people may be talking at once, so address them by name when it helps.

Keep your messages short: two paragraphs at most.`

// DefaultDirective returns the built-in directive.
func DefaultDirective() string {
	return defaultDirectiveTemplate
}

// ResolveDirective picks the directive from configuration. A file path
// wins over inline text, and with neither the built-in directive is
// used. A configured file that is missing or blank is an error rather
// than a silent fallback.
func ResolveDirective(inline, path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("load directive %s: %w", path, err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return "", fmt.Errorf("directive file %s is empty", path)
		}
		return text, nil
	}
	if text := strings.TrimSpace(inline); text != "" {
		return text, nil
	}
	return DefaultDirective(), nil
}
