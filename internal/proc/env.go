package proc

import (
	"os"
	"path/filepath"
	"strings"
)

// credentialVars are API-key variables that agent CLIs read. Placeholder or
// empty values are dropped from the child environment so the CLI falls back
// to its own stored auth instead of failing on a bogus key.
var credentialVars = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
}

var placeholderValues = map[string]bool{
	"":                            true,
	"your_key_here":               true,
	"your_anthropic_api_key_here": true,
	"your_api_key_here":           true,
	"changeme":                    true,
	"REPLACE_ME":                  true,
}

// BuildEnv constructs the child environment: the parent environment with
// HOME guaranteed, XDG config/cache directories defaulted, placeholder
// credentials removed, and extra entries applied last (overriding).
func BuildEnv(extra map[string]string) []string {
	kv := make(map[string]string)
	for _, entry := range os.Environ() {
		if i := strings.IndexByte(entry, '='); i > 0 {
			kv[entry[:i]] = entry[i+1:]
		}
	}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		kv["HOME"] = home
	}
	if home := kv["HOME"]; home != "" {
		if kv["XDG_CONFIG_HOME"] == "" {
			kv["XDG_CONFIG_HOME"] = filepath.Join(home, ".config")
		}
		if kv["XDG_CACHE_HOME"] == "" {
			kv["XDG_CACHE_HOME"] = filepath.Join(home, ".cache")
		}
	}

	for _, name := range credentialVars {
		if val, ok := kv[name]; ok && placeholderValues[val] {
			delete(kv, name)
		}
	}

	for k, v := range extra {
		kv[k] = v
	}

	env := make([]string, 0, len(kv))
	for k, v := range kv {
		env = append(env, k+"="+v)
	}
	return env
}
