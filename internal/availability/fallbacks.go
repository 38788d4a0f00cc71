package availability

// defaultFallbacks maps well-known models to ordered alternates. Config
// entries override per model; models absent from both have no fallbacks.
var defaultFallbacks = map[string][]string{
	"gpt-4":           {"gpt-4-turbo", "gpt-3.5-turbo", "claude-3-opus", "claude-3-sonnet"},
	"gpt-4-turbo":     {"gpt-4", "gpt-3.5-turbo", "claude-3-opus"},
	"gpt-3.5-turbo":   {"gpt-4", "gpt-4-turbo", "claude-3-sonnet"},
	"claude-3-opus":   {"gpt-4", "claude-3-sonnet", "gpt-4-turbo"},
	"claude-3-sonnet": {"claude-3-opus", "gpt-3.5-turbo", "gpt-4"},
	"llama-3-70b":     {"llama-3-8b", "claude-3-sonnet", "gpt-3.5-turbo"},
	"llama-3-8b":      {"llama-3-70b", "gpt-3.5-turbo", "claude-3-sonnet"},
}

// mergeFallbacks layers configured chains over the built-in table. A
// configured chain replaces the default for that model entirely.
func mergeFallbacks(overrides map[string][]string) map[string][]string {
	merged := make(map[string][]string, len(defaultFallbacks)+len(overrides))
	for model, chain := range defaultFallbacks {
		merged[model] = append([]string(nil), chain...)
	}
	for model, chain := range overrides {
		merged[model] = append([]string(nil), chain...)
	}
	return merged
}
