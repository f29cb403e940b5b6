package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPlannerValidate(t *testing.T) {
	p := PlannerConfig{
		ConversationDepth:   20,
		MaxQuestionNodes:    2,
		MaxLookaheadDepth:   3,
		ConfidenceThreshold: 0.8,
		EstimatorConfidence: 0.7,
		SharpnessConstant:   0.4,
		MinProbability:      1.0 / 25000,
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.ConfidenceThreshold = 1.5
	if err := p.Validate(); err == nil {
		t.Fatalf("expected confidence threshold validation error")
	}

	p.ConfidenceThreshold = 0.8
	p.MinProbability = -0.1
	if err := p.Validate(); err == nil {
		t.Fatalf("expected min probability validation error")
	}
}

func TestPostgresDSN(t *testing.T) {
	pg := PostgresConfig{URL: "postgres://u:p@h:5432/db"}
	dsn, err := pg.DSN()
	if err != nil || dsn != "postgres://u:p@h:5432/db" {
		t.Fatalf("expected url passthrough, got %q (%v)", dsn, err)
	}

	pg = PostgresConfig{Host: "localhost", User: "inq", Password: "pw", DBName: "runs"}
	dsn, err = pg.DSN()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "postgres://inq:pw@localhost:5432/runs?sslmode=disable"
	if dsn != want {
		t.Fatalf("expected %q, got %q", want, dsn)
	}

	pg = PostgresConfig{Host: "localhost"}
	if _, err := pg.DSN(); err == nil {
		t.Fatalf("expected error for missing dbname")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := []byte("llm:\n  providers:\n    deepseek:\n      type: openai\n      base_url: https://api.deepseek.com\n      models:\n        chat:\n          name: deepseek-chat\n")
	if err := os.WriteFile(cfgPath, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Planner.ConversationDepth != 20 {
		t.Fatalf("expected default conversation depth 20, got %d", cfg.Planner.ConversationDepth)
	}
	if cfg.Planner.MinProbability != 1.0/25000 {
		t.Fatalf("expected default min probability, got %v", cfg.Planner.MinProbability)
	}
	if cfg.Cluster.Threshold != 1.0 {
		t.Fatalf("expected default cluster threshold 1.0, got %v", cfg.Cluster.Threshold)
	}
	if cfg.General.MaxConcurrent != 6 {
		t.Fatalf("expected default max concurrent 6, got %d", cfg.General.MaxConcurrent)
	}
}
