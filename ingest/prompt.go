package ingest

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

const DefaultPromptFile = "prompt_template.md"

// LoadPrompt reads and trims the system-prompt template.
func LoadPrompt(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "reading prompt template %s", path)
	}
	prompt := strings.TrimSpace(string(content))
	if prompt == "" {
		return "", errors.Errorf("prompt template %s is empty", path)
	}
	return prompt, nil
}
