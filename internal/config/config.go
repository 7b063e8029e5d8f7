package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all synagraph configuration. Values are env-driven with
// defaults from Default(); Load reads a .env file when present and then
// applies the process environment on top.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Embedding EmbeddingConfig
	Scoring   ScoringConfig
	Outbox    OutboxConfig

	// DefaultTenant is applied to requests that carry no explicit tenant
	// identity. Empty means every request must name one.
	DefaultTenant string
}

type ServerConfig struct {
	Bind string
	Port int
}

type DatabaseConfig struct {
	Path string
}

// EmbeddingConfig fixes the deployment's active embedding model and vector
// dimension. The core receives vectors; it never computes them itself, but
// it rejects any vector whose length disagrees with Dim.
type EmbeddingConfig struct {
	Model     string
	Dim       int
	OllamaURL string
}

// ScoringConfig parameterizes the temporal scoring engine. Decay and
// reinforcement read these at call time; nothing is hardcoded elsewhere.
type ScoringConfig struct {
	// MaxScore is the ceiling reinforcement can never push a node above.
	MaxScore float64
	// ReinforceBoost is the per-call additive boost before clamping.
	ReinforceBoost float64
	// DefaultLambda applies to nodes created without a decay_lambda.
	DefaultLambda float64
	// SweepIntervalSec drives the background decay sweeper. 0 disables it.
	SweepIntervalSec int
}

type OutboxConfig struct {
	BatchSize int
	// DrainIntervalSec drives the background dispatcher. 0 disables it.
	DrainIntervalSec int
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 38080,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Embedding: EmbeddingConfig{
			Model:     "nomic-embed-text",
			Dim:       768,
			OllamaURL: "http://localhost:11434",
		},
		Scoring: ScoringConfig{
			MaxScore:         1.0,
			ReinforceBoost:   0.25,
			DefaultLambda:    0,
			SweepIntervalSec: 3600,
		},
		Outbox: OutboxConfig{
			BatchSize:        100,
			DrainIntervalSec: 5,
		},
	}
}

// Load builds a Config from the environment. A .env file in the working
// directory is honored when present but never required.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if v := os.Getenv("SYNAGRAPH_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("SYNAGRAPH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid SYNAGRAPH_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("SYNAGRAPH_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SYNAGRAPH_DEFAULT_TENANT"); v != "" {
		cfg.DefaultTenant = v
	}
	if v := os.Getenv("SYNAGRAPH_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("SYNAGRAPH_EMBEDDING_DIM"); v != "" {
		dim, err := strconv.Atoi(v)
		if err != nil || dim <= 0 {
			return cfg, fmt.Errorf("invalid SYNAGRAPH_EMBEDDING_DIM %q", v)
		}
		cfg.Embedding.Dim = dim
	}
	if v := os.Getenv("SYNAGRAPH_OLLAMA_URL"); v != "" {
		cfg.Embedding.OllamaURL = v
	}
	if v := os.Getenv("SYNAGRAPH_MAX_SCORE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return cfg, fmt.Errorf("invalid SYNAGRAPH_MAX_SCORE %q", v)
		}
		cfg.Scoring.MaxScore = f
	}
	if v := os.Getenv("SYNAGRAPH_REINFORCE_BOOST"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return cfg, fmt.Errorf("invalid SYNAGRAPH_REINFORCE_BOOST %q", v)
		}
		cfg.Scoring.ReinforceBoost = f
	}
	if v := os.Getenv("SYNAGRAPH_DEFAULT_LAMBDA"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return cfg, fmt.Errorf("invalid SYNAGRAPH_DEFAULT_LAMBDA %q", v)
		}
		cfg.Scoring.DefaultLambda = f
	}
	if v := os.Getenv("SYNAGRAPH_SWEEP_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("invalid SYNAGRAPH_SWEEP_INTERVAL %q", v)
		}
		cfg.Scoring.SweepIntervalSec = n
	}
	if v := os.Getenv("SYNAGRAPH_OUTBOX_BATCH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid SYNAGRAPH_OUTBOX_BATCH %q", v)
		}
		cfg.Outbox.BatchSize = n
	}
	if v := os.Getenv("SYNAGRAPH_DRAIN_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("invalid SYNAGRAPH_DRAIN_INTERVAL %q", v)
		}
		cfg.Outbox.DrainIntervalSec = n
	}

	return cfg, nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
