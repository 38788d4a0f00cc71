// Package types defines the wire types shared by the health prober,
// response cache, and connection pool.
package types

import (
	"github.com/goccy/go-json"
)

// ChatMessage is a single message in an OpenAI-style conversation.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// NewTextMessage builds a plain-text message for the given role.
func NewTextMessage(role, text string) ChatMessage {
	encoded, _ := json.Marshal(text)
	return ChatMessage{Role: role, Content: encoded}
}

// ChatRequest is the subset of an OpenAI-style chat completion request that
// the gateway core inspects. Fields the core never reads are carried opaquely
// by the dispatch layer and are not modeled here.
type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
}

// ModelInfo identifies one model offered through a gateway's catalog.
type ModelInfo struct {
	ID       string `json:"id"`
	Provider string `json:"provider_slug"`
	Gateway  string `json:"gateway"`
	Name     string `json:"name"`
}
