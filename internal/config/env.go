package config

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/urban-vision/annoqc/internal/monitoring"
)

// Env holds process-level settings read from the environment. Secrets
// and deployment-specific endpoints live here rather than in the tuning
// JSON, which is safe to commit.
type Env struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string
	// DBPath is the SQLite database file path.
	DBPath string
	// ToolBaseURL is the annotation tool's API base URL.
	ToolBaseURL string
	// ToolToken authorizes calls to the annotation tool. May be empty.
	ToolToken string
	// WebhookSecret, when set, must match the X-Webhook-Secret header of
	// incoming deliveries.
	WebhookSecret string
}

// LoadEnv reads settings from the environment, first merging a .env file
// if one exists in the working directory. Unset variables fall back to
// development defaults.
func LoadEnv() *Env {
	if err := godotenv.Load(); err == nil {
		monitoring.Logf("config: loaded .env")
	}

	return &Env{
		ListenAddr:    envOr("ANNOQC_LISTEN", ":8080"),
		DBPath:        envOr("ANNOQC_DB", "annoqc.db"),
		ToolBaseURL:   envOr("ANNOQC_TOOL_URL", "http://localhost:8080"),
		ToolToken:     os.Getenv("ANNOQC_TOOL_TOKEN"),
		WebhookSecret: os.Getenv("ANNOQC_WEBHOOK_SECRET"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
