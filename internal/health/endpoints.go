package health

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relaywatch/relaywatch/pkg/types"
)

// probeUserAgent identifies synthetic probes in upstream logs.
const probeUserAgent = "HealthMonitor/1.0"

// completionEndpoints maps each known gateway to its chat completion URL.
// HuggingFace is handled separately: its URL embeds the model id and its
// payload shape differs.
var completionEndpoints = map[string]string{
	"openrouter":  "https://openrouter.ai/api/v1/chat/completions",
	"portkey":     "https://api.portkey.ai/v1/chat/completions",
	"featherless": "https://api.featherless.ai/v1/chat/completions",
	"deepinfra":   "https://api.deepinfra.com/v1/openai/chat/completions",
	"groq":        "https://api.groq.com/openai/v1/chat/completions",
	"fireworks":   "https://api.fireworks.ai/inference/v1/chat/completions",
	"together":    "https://api.together.xyz/v1/chat/completions",
	"xai":         "https://api.x.ai/v1/chat/completions",
	"novita":      "https://api.novita.ai/v3/openai/chat/completions",
}

const huggingfaceModelEndpoint = "https://api-inference.huggingface.co/models/%s"

// huggingfacePayload is the HuggingFace inference request shape.
type huggingfacePayload struct {
	Inputs     string `json:"inputs"`
	Parameters struct {
		MaxNewTokens int     `json:"max_new_tokens"`
		Temperature  float64 `json:"temperature"`
	} `json:"parameters"`
}

// buildProbe returns the URL and request body for one synthetic health
// probe. baseURL, when non-empty, overrides the built-in endpoint table
// (used for self-hosted gateways and tests).
func buildProbe(gateway, modelID, baseURL string) (string, []byte, error) {
	if gateway == "huggingface" {
		payload := huggingfacePayload{Inputs: "Hello"}
		payload.Parameters.MaxNewTokens = 10
		payload.Parameters.Temperature = 0.1

		body, err := json.Marshal(payload)
		if err != nil {
			return "", nil, err
		}
		url := fmt.Sprintf(huggingfaceModelEndpoint, modelID)
		if baseURL != "" {
			url = fmt.Sprintf("%s/models/%s", baseURL, modelID)
		}
		return url, body, nil
	}

	url := completionEndpoints[gateway]
	if baseURL != "" {
		url = baseURL + "/chat/completions"
	}
	if url == "" {
		return "", nil, fmt.Errorf("unknown gateway: %s", gateway)
	}

	temp := 0.1
	body, err := json.Marshal(&types.ChatRequest{
		Model:       modelID,
		Messages:    []types.ChatMessage{types.NewTextMessage("user", "Hello")},
		MaxTokens:   10,
		Temperature: &temp,
	})
	if err != nil {
		return "", nil, err
	}
	return url, body, nil
}
