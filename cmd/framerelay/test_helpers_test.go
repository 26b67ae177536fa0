package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"framerelay/internal/config"
	"framerelay/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	remote     *testsupport.FakeRemote
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	fake := testsupport.NewFakeRemote(t)
	cfg := testsupport.NewConfig(t, testsupport.WithEndpoint(fake.URL))
	configPath := filepath.Join(testsupport.BaseDir(cfg), "framerelay.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{cfg: cfg, remote: fake, configPath: configPath}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
temp_dir = %q
output_dir = %q
log_dir = %q
state_dir = %q
workflows_dir = %q

[remote]
api_endpoint = %q
api_key = %q

[transfer]
retry_delay_seconds = 0
jitter_millis = 0

[logging]
level = "error"
`,
		cfg.Paths.TempDir,
		cfg.Paths.OutputDir,
		cfg.Paths.LogDir,
		cfg.Paths.StateDir,
		cfg.Paths.WorkflowsDir,
		cfg.Remote.APIEndpoint,
		cfg.Remote.APIKey,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected output to contain %q, got:\n%s", substr, output)
	}
}
