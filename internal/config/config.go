package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// KnownKeys defines environment variable keys that deskbot recognizes.
var KnownKeys = []string{
	"DESKBOT_SERVER_URL",
	"DESKBOT_TOKEN",
	"DESKBOT_SQLITE_PATH",
	"DESKBOT_DB_SEED",
	"DESKBOT_VECTOR_BACKEND",
	"DESKBOT_PG_DSN",
	"DESKBOT_LLM_BASE_URL",
	"DESKBOT_LLM_API_KEY",
	"DESKBOT_CHAT_MODEL",
	"DESKBOT_EMBEDDING_MODEL",
	"DESKBOT_LLM_MIN_INTERVAL_MS",
	"DESKBOT_JWT_SECRET",
	"DESKBOT_JWT_TTL_HOURS",
	"DESKBOT_AUTH_DISABLE",
	"DESKBOT_ADMIN_EMAIL",
	"DESKBOT_ADMIN_PASSWORD",
	"DESKBOT_RATE_LIMIT",
	"DESKBOT_RATE_LIMIT_PATH",
	"DESKBOT_RATE_LIMIT_IP",
	"DESKBOT_CHUNK_TOKENS",
	"DESKBOT_CHUNK_OVERLAP",
	"DESKBOT_PREVIEW_SNIPPET_TOKENS",
	"DESKBOT_HYBRID_ALPHA",
	"DESKBOT_RETRIEVAL_TIMEOUT_MS",
	"DESKBOT_RAG_BUDGET",
	"DESKBOT_CHAT_MAX_CHARS",
	"DESKBOT_EMBED_BATCH",
	"DESKBOT_EMBED_CACHE_TTL",
	"DESKBOT_EMBED_CACHE_MAX",
	"DESKBOT_EMBED_CACHE_GEN",
	"DESKBOT_EMBED_CACHE_DISABLE",
	"DESKBOT_DISABLE_EMBEDDINGS",
	"DESKBOT_CONVERSATION_TTL_DAYS",
	"DESKBOT_METRICS_SAMPLE_RATE",
	"DESKBOT_LOG_LEVEL",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

// LoadAndApply loads configuration in precedence order: process env wins,
// then a .env file in the working directory, then ~/.deskbot/config.yaml
// (or .yml/.json). File values are applied into the environment only for
// known keys that are not already set.
func LoadAndApply() error {
	_ = godotenv.Load() // best effort; absence is normal

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil // non-fatal
	}
	base := filepath.Join(home, ".deskbot")
	paths := []string{
		filepath.Join(base, "config.yaml"),
		filepath.Join(base, "config.yml"),
		filepath.Join(base, "config.json"),
	}
	var data map[string]any
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var m map[string]any
		if strings.HasSuffix(p, ".json") {
			err = json.Unmarshal(b, &m)
		} else {
			err = yaml.Unmarshal(b, &m)
		}
		if err == nil && len(m) > 0 {
			data = m
			break
		}
	}
	if len(data) == 0 {
		return nil
	}
	for _, key := range KnownKeys {
		if os.Getenv(key) != "" {
			continue
		}
		if v, ok := lookupInsensitive(data, key); ok {
			os.Setenv(key, toString(v))
		}
	}
	return nil
}

func lookupInsensitive(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		// avoid trailing .0 for integer-like values
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// String returns the env value for key, or fallback when unset or blank.
func String(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Int returns the env value parsed as int, or fallback on unset/parse error.
func Int(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Float returns the env value parsed as float64, or fallback on unset/parse error.
func Float(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// Bool returns the env value parsed as bool ("1", "true", "yes" are true),
// or fallback on unset/parse error.
func Bool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
