package ai

import (
	"encoding/json"
	"math"
	"strings"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPart is one piece of multimodal message content.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image_url"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message is one turn of conversation.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// SystemMessage returns a system prompt message.
func SystemMessage(text string) Message { return Message{Role: RoleSystem, Content: text} }

// UserMessage returns a user message.
func UserMessage(text string) Message { return Message{Role: RoleUser, Content: text} }

// AssistantMessage returns an assistant message.
func AssistantMessage(text string) Message { return Message{Role: RoleAssistant, Content: text} }

// Text flattens the message to plain text. Images become a placeholder.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	if m.Content != "" {
		b.WriteString(m.Content)
	}
	for _, p := range m.Parts {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		switch p.Type {
		case "image_url":
			b.WriteString("[image]")
		default:
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// EstimateTokens approximates the prompt size as a quarter of its JSON length.
func EstimateTokens(messages []Message) int {
	data, err := json.Marshal(messages)
	if err != nil {
		return 0
	}
	return int(math.Ceil(float64(len(data)) / 4))
}

// TrimMessages drops the oldest conversational turns until the estimate fits
// within budget. System messages, the final user message and anything after
// it are always kept, so the result may still exceed budget when those alone
// are too large.
func TrimMessages(messages []Message, budget int) ([]Message, int) {
	if budget <= 0 || len(messages) <= 1 || EstimateTokens(messages) <= budget {
		return messages, 0
	}

	out := make([]Message, len(messages))
	copy(out, messages)

	keepFrom := lastUserIndex(out)
	if keepFrom < 0 {
		keepFrom = len(out) - 1
	}

	dropped := 0
	for EstimateTokens(out) > budget {
		idx := -1
		for i := 0; i < keepFrom; i++ {
			if out[i].Role != RoleSystem {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		out = append(out[:idx], out[idx+1:]...)
		keepFrom--
		dropped++
	}
	return out, dropped
}

func lastUserIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// splitSystem separates system prompts from conversational turns.
func splitSystem(messages []Message) (string, []Message) {
	var sys []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			sys = append(sys, m.Text())
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}
