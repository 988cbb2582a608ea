package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"policy-agent/internal/integrations/agent"
	"policy-agent/internal/integrations/paramstore"
	"policy-agent/internal/usecase"
)

const credentialParam = "/agent-api-key"

// Config is everything the process reads from its environment.
type Config struct {
	AgentAPIKey        string
	ParamPrefix        string
	AgentChatURL       string
	AgentTimeout       time.Duration
	CoordinatorAgentID string
	AuditTable         string
	AuditTTL           time.Duration
	LogOutboundPayload bool
	LogLevel           slog.Level
	Port               string
}

// LoadDotEnv loads variables from the given files, or .env when none are
// named. Missing files are ignored and existing variables are not overridden.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration from environment variables.
func Load() Config {
	return Config{
		AgentAPIKey:        strings.TrimSpace(os.Getenv("AGENT_API_KEY")),
		ParamPrefix:        strings.TrimRight(strings.TrimSpace(os.Getenv("PARAM_PREFIX")), "/"),
		AgentChatURL:       getEnv("AGENT_CHAT_URL", agent.DefaultChatURL),
		AgentTimeout:       envDuration("AGENT_TIMEOUT", 30*time.Second),
		CoordinatorAgentID: getEnv("POLICY_COORDINATOR_AGENT_ID", usecase.DefaultCoordinatorAgentID),
		AuditTable:         strings.TrimSpace(os.Getenv("AUDIT_TABLE")),
		AuditTTL:           envDuration("AUDIT_TTL", 30*24*time.Hour),
		LogOutboundPayload: envBool("LOG_OUTBOUND_PAYLOAD", true),
		LogLevel:           envLevel("LOG_LEVEL", slog.LevelInfo),
		Port:               getEnv("PORT", "8080"),
	}
}

// NeedsAWS reports whether any configured feature talks to AWS.
func (c Config) NeedsAWS() bool {
	return c.AuditTable != "" || (c.AgentAPIKey == "" && c.ParamPrefix != "")
}

// ResolveCredential returns AGENT_API_KEY when set and otherwise reads
// <PARAM_PREFIX>/agent-api-key from the parameter store. An empty result with
// a nil error means no credential is configured at all.
func (c Config) ResolveCredential(ctx context.Context, params paramstore.Getter) (string, error) {
	if c.AgentAPIKey != "" {
		return c.AgentAPIKey, nil
	}
	if c.ParamPrefix == "" || params == nil {
		return "", nil
	}
	secret, err := paramstore.GetSecret(ctx, params, c.ParamPrefix+credentialParam)
	if err != nil {
		return "", fmt.Errorf("config: resolve agent credential: %w", err)
	}
	return secret, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("config: ignoring invalid duration", "key", key, "value", v)
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config: ignoring invalid boolean", "key", key, "value", v)
		return def
	}
	return b
}

func envLevel(key string, def slog.Level) slog.Level {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		slog.Warn("config: ignoring invalid log level", "key", key, "value", v)
		return def
	}
	return lvl
}
