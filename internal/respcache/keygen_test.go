package respcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaywatch/relaywatch/pkg/types"
)

func fptr(v float64) *float64 { return &v }

func baseRequest() *types.ChatRequest {
	return &types.ChatRequest{
		Model: "gpt-4",
		Messages: []types.ChatMessage{
			types.NewTextMessage("system", "You are helpful."),
			types.NewTextMessage("user", "Hello"),
		},
		Temperature: fptr(0.5),
		MaxTokens:   128,
	}
}

func TestKey_Deterministic(t *testing.T) {
	k1 := Key(baseRequest())
	k2 := Key(baseRequest())
	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, KeyPrefix))
}

func TestKey_TemperatureRounding(t *testing.T) {
	a := baseRequest()
	a.Temperature = fptr(0.500)
	b := baseRequest()
	b.Temperature = fptr(0.504) // rounds to 0.50

	assert.Equal(t, Key(a), Key(b))

	c := baseRequest()
	c.Temperature = fptr(0.51)
	assert.NotEqual(t, Key(a), Key(c))
}

func TestKey_NilTemperatureMatchesDefault(t *testing.T) {
	a := baseRequest()
	a.Temperature = nil
	b := baseRequest()
	b.Temperature = fptr(0.7)

	assert.Equal(t, Key(a), Key(b))
}

func TestKey_SensitiveFields(t *testing.T) {
	base := Key(baseRequest())

	maxTokens := baseRequest()
	maxTokens.MaxTokens = 256
	assert.NotEqual(t, base, Key(maxTokens))

	content := baseRequest()
	content.Messages[1] = types.NewTextMessage("user", "Goodbye")
	assert.NotEqual(t, base, Key(content))

	model := baseRequest()
	model.Model = "gpt-4-turbo"
	assert.NotEqual(t, base, Key(model))

	topP := baseRequest()
	topP.TopP = fptr(0.9)
	assert.NotEqual(t, base, Key(topP))
}

func TestKey_MessageOrderMatters(t *testing.T) {
	a := baseRequest()

	b := baseRequest()
	b.Messages[0], b.Messages[1] = b.Messages[1], b.Messages[0]

	assert.NotEqual(t, Key(a), Key(b))
}
