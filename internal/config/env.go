package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Secret environment variables.
const (
	EnvGeminiKey     = "GEMINI_API_KEY"
	EnvOpenRouterKey = "OPENROUTER_API_KEY"
	EnvContext7Key   = "CONTEXT7_API_KEY"
)

// Secret reads key from the environment first, then falls back to
// ~/.scenefactory/.env.
func Secret(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return readEnvFileVar(filepath.Join(home, ".scenefactory", ".env"), key)
}

// ProviderKey returns the API key for an LLM provider.
func ProviderKey(provider string) string {
	if provider == "openrouter" {
		return Secret(EnvOpenRouterKey)
	}
	return Secret(EnvGeminiKey)
}

// readEnvFileVar reads the value of a specific key from a .env file.
// Supports both "KEY=VALUE" and "export KEY=VALUE" formats; surrounding quotes
// are removed. Returns empty string if the file or key is not found.
func readEnvFileVar(path, key string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) == key {
			return unquote(strings.TrimSpace(parts[1]))
		}
	}
	return ""
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
