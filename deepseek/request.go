package deepseek

import (
	"encoding/base64"
	"fmt"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the streaming chat-completion body.
type Request struct {
	Model       string    `json:"model"`
	Stream      bool      `json:"stream"`
	Temperature float32   `json:"temperature"`
	TopK        uint      `json:"top_k"`
	Messages    []Message `json:"messages"`
}

// NewRequest assembles the streaming request for one file: the system prompt
// followed by the rendered user message.
func NewRequest(model string, temperature float32, topK uint, systemPrompt, userMessage string) Request {
	return Request{
		Model:       model,
		Stream:      true,
		Temperature: temperature,
		TopK:        topK,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
	}
}

// UserMessage renders the user turn for a file: name, language label and the
// base64-encoded payload. Empty files get a dedicated variant so the model
// does not hallucinate content for them.
func UserMessage(fileName, language string, content []byte) string {
	if len(content) == 0 {
		return fmt.Sprintf(
			"File `%s` is currently 0 bytes long.\nFile language: %s\n"+
				"Follow the empty-file output rules strictly:\n"+
				"File name: %s\nFile language: %s\n"+
				"Purpose of the file: the file is empty, its purpose cannot be read.",
			fileName, language, fileName, language)
	}
	payload := base64.StdEncoding.EncodeToString(content)
	return fmt.Sprintf(
		"File `%s` is transmitted base64-encoded.\nFile language: %s\n"+
			"The encoded byte stream follows:\n\n%s",
		fileName, language, payload)
}
