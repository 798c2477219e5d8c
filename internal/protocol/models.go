package protocol

// modelAliases maps provider-specific model aliases to canonical model
// identifiers. Unknown models pass through unchanged so new upstream
// models keep working without a gateway release.
var modelAliases = map[string]string{
	// OpenAI
	"gpt-4-turbo-preview": "gpt-4-turbo",
	"gpt-3.5-turbo-16k":   "gpt-3.5-turbo",
	"gpt-4o-2024-08-06":   "gpt-4o",

	// Anthropic
	"claude-3-5-sonnet-latest": "claude-3-5-sonnet",
	"claude-3-5-haiku-latest":  "claude-3-5-haiku",
	"claude-3-opus-latest":     "claude-3-opus",

	// Gemini
	"gemini-pro":              "gemini-1.5-pro",
	"gemini-flash":            "gemini-1.5-flash",
	"gemini-1.5-flash-latest": "gemini-1.5-flash",
	"gemini-1.5-pro-latest":   "gemini-1.5-pro",
	"gemini-2.0-flash-exp":    "gemini-2.0-flash",
	"models/gemini-1.5-pro":   "gemini-1.5-pro",
	"models/gemini-1.5-flash": "gemini-1.5-flash",
}

// CanonicalModel resolves a provider alias to its canonical identifier.
func CanonicalModel(model string) string {
	if canonical, ok := modelAliases[model]; ok {
		return canonical
	}
	return model
}
