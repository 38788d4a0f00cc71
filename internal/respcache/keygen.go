package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"math"

	"github.com/goccy/go-json"

	"github.com/relaywatch/relaywatch/pkg/types"
)

// KeyPrefix namespaces cache keys in shared backends.
const KeyPrefix = "chat_cache:"

// defaultTemperature mirrors the dispatch layer's default sampling setting
// so requests that omit temperature hash identically to explicit 0.7.
const defaultTemperature = 0.7

// Key derives the content-addressed cache key for a chat request. The key is
// the SHA-256 of a canonical JSON object: all routing-relevant fields are
// present (null when unset), keys are sorted, and temperature is rounded to
// two decimals. Logically identical requests therefore always collide.
func Key(req *types.ChatRequest) string {
	temp := defaultTemperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}

	messages := make([]map[string]any, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = map[string]any{
			"role":    m.Role,
			"content": m.Content,
		}
	}

	var maxTokens any
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	canonical := map[string]any{
		"messages":          messages,
		"model":             req.Model,
		"temperature":       math.Round(temp*100) / 100,
		"max_tokens":        maxTokens,
		"top_p":             req.TopP,
		"frequency_penalty": req.FrequencyPenalty,
		"presence_penalty":  req.PresencePenalty,
	}

	// Map keys marshal in sorted order, which makes the digest deterministic.
	encoded, _ := json.Marshal(canonical)
	digest := sha256.Sum256(encoded)
	return KeyPrefix + hex.EncodeToString(digest[:])
}
