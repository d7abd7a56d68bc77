package audiobrief_test

import (
	"os"
	"strings"
	"testing"

	"github.com/hitoshi/audiobrief/internal/feed"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("%s should exist: %v", path, err)
	}
	return string(data)
}

func TestDockerfile(t *testing.T) {
	content := readFile(t, "Dockerfile")

	if !strings.Contains(content, "FROM golang:") {
		t.Error("Dockerfile should contain a Go builder stage (FROM golang:)")
	}

	// 最終ステージは軽量イメージであること
	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless") {
		t.Errorf("final stage should use distroless, got: %s", lastFrom)
	}

	for _, want := range []string{"./cmd/audiobrief", "ENTRYPOINT", "healthcheck", "SOURCES_FILE"} {
		if !strings.Contains(content, want) {
			t.Errorf("Dockerfile should contain %q", want)
		}
	}
}

func TestDockerCompose(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	// api, worker, migrate, db の構成
	for _, svc := range []string{"api:", "worker:", "migrate:", "db:"} {
		if !strings.Contains(content, svc) {
			t.Errorf("docker-compose.yml should contain service %q", svc)
		}
	}
	if !strings.Contains(content, "postgres:") {
		t.Error("docker-compose.yml should use PostgreSQL image")
	}
	if !strings.Contains(content, `command: ["worker"]`) {
		t.Error("worker service should use 'worker' subcommand")
	}
	// DBは内部ネットワークのみ
	if !strings.Contains(content, "internal: true") {
		t.Error("docker-compose.yml should define an internal network for the database")
	}
}

func TestSourcesCatalog_IsValid(t *testing.T) {
	sources, err := feed.LoadCatalog("sources.yaml")
	if err != nil {
		t.Fatalf("sources.yaml should be a valid catalog: %v", err)
	}
	if len(sources) == 0 {
		t.Error("sources.yaml should define at least one source")
	}
}
