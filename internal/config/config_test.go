package config

import (
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 38080 {
		t.Errorf("port = %d, want 38080", cfg.Server.Port)
	}
	if cfg.Embedding.Dim != 768 {
		t.Errorf("dim = %d, want 768", cfg.Embedding.Dim)
	}
	if cfg.Scoring.MaxScore != 1.0 {
		t.Errorf("max score = %f, want 1.0", cfg.Scoring.MaxScore)
	}
	if cfg.DefaultTenant != "" {
		t.Errorf("default tenant = %q, want empty", cfg.DefaultTenant)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SYNAGRAPH_PORT", "9999")
	t.Setenv("SYNAGRAPH_DEFAULT_TENANT", "home")
	t.Setenv("SYNAGRAPH_EMBEDDING_DIM", "384")
	t.Setenv("SYNAGRAPH_MAX_SCORE", "2.5")
	t.Setenv("SYNAGRAPH_DEFAULT_LAMBDA", "0.01")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.DefaultTenant != "home" {
		t.Errorf("default tenant = %q, want home", cfg.DefaultTenant)
	}
	if cfg.Embedding.Dim != 384 {
		t.Errorf("dim = %d, want 384", cfg.Embedding.Dim)
	}
	if cfg.Scoring.MaxScore != 2.5 {
		t.Errorf("max score = %f, want 2.5", cfg.Scoring.MaxScore)
	}
	if cfg.Scoring.DefaultLambda != 0.01 {
		t.Errorf("default lambda = %f, want 0.01", cfg.Scoring.DefaultLambda)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, val string
	}{
		{"SYNAGRAPH_PORT", "not-a-port"},
		{"SYNAGRAPH_EMBEDDING_DIM", "0"},
		{"SYNAGRAPH_MAX_SCORE", "-1"},
		{"SYNAGRAPH_DEFAULT_LAMBDA", "-0.5"},
		{"SYNAGRAPH_OUTBOX_BATCH", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("%s=%s accepted, want error", tt.key, tt.val)
			}
		})
	}
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	if got := cfg.ListenAddr(); got != "127.0.0.1:38080" {
		t.Errorf("addr = %s, want 127.0.0.1:38080", got)
	}
}
