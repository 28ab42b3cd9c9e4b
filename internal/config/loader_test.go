package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/forkd/internal/group"
)

func writeConfig(t *testing.T, dir, yaml string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "full config",
			yaml: `
service:
  name: workers
  log_level: debug
  log_format: text
  loop_interval: 10s
  tick_interval: 250ms
  pid_file: /tmp/forkd.pid
journal:
  path: /tmp/journal.db
api:
  enabled: true
  listen: 127.0.0.1:9090
groups:
  default: null
  test: 1
  t1: [null, 2]
  t2: {soft: 4}
jobs:
  - name: backup
    group: t1
    command: ["/usr/bin/rsync", "-a", "src", "dst"]
  - name: nap
    task: sleep
    payload: {seconds: 2, code: 0}
    repeat: true
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Name != "workers" || cfg.Service.LogFormat != "text" {
					t.Errorf("service not parsed: %+v", cfg.Service)
				}
				if cfg.Service.LoopInterval != 10*time.Second {
					t.Errorf("loop_interval = %v", cfg.Service.LoopInterval)
				}
				if cfg.Service.TickInterval != 250*time.Millisecond {
					t.Errorf("tick_interval = %v", cfg.Service.TickInterval)
				}
				if cfg.Journal.Path != "/tmp/journal.db" {
					t.Errorf("journal.path = %q", cfg.Journal.Path)
				}
				if !cfg.API.Enabled || cfg.API.Listen != "127.0.0.1:9090" {
					t.Errorf("api not parsed: %+v", cfg.API)
				}
				if len(cfg.Groups) != 4 {
					t.Fatalf("groups = %v", cfg.Groups)
				}
				want := map[string]group.Capacity{
					"default": {},
					"test":    {Hard: 1},
					"t1":      {Soft: 2},
					"t2":      {Soft: 4},
				}
				for name, capacity := range want {
					got, err := group.Normalize(cfg.Groups[name])
					if err != nil {
						t.Fatalf("normalize %s: %v", name, err)
					}
					if got != capacity {
						t.Errorf("group %s = %+v, want %+v", name, got, capacity)
					}
				}
				if len(cfg.Jobs) != 2 {
					t.Fatalf("jobs = %v", cfg.Jobs)
				}
				if cfg.Jobs[0].TaskName() != "command" {
					t.Errorf("backup task = %q", cfg.Jobs[0].TaskName())
				}
				if cfg.Jobs[1].TaskName() != "sleep" || !cfg.Jobs[1].Repeat {
					t.Errorf("nap not parsed: %+v", cfg.Jobs[1])
				}
				if cfg.Jobs[1].Payload["seconds"] != 2 {
					t.Errorf("payload = %v", cfg.Jobs[1].Payload)
				}
			},
		},
		{
			name: "defaults applied",
			yaml: `
groups:
  io: 2
`,
			checkFn: func(t *testing.T, cfg *Config) {
				d := Defaults()
				if cfg.Service.Name != d.Service.Name {
					t.Errorf("name = %q", cfg.Service.Name)
				}
				if cfg.Service.LoopInterval != 60*time.Second || cfg.Service.TickInterval != time.Second {
					t.Errorf("intervals = %v / %v", cfg.Service.LoopInterval, cfg.Service.TickInterval)
				}
				if cfg.Service.LogLevel != "info" || cfg.Service.LogFormat != "json" {
					t.Errorf("logging = %q / %q", cfg.Service.LogLevel, cfg.Service.LogFormat)
				}
				if cfg.API.Enabled || cfg.API.Listen != "127.0.0.1:8080" {
					t.Errorf("api = %+v", cfg.API)
				}
				if cfg.Journal.Path != "" || cfg.Service.PIDFile != "" {
					t.Error("journal and pid file are opt-in")
				}
			},
		},
		{
			name: "empty file",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Groups == nil {
					t.Error("groups map not initialised")
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
journal:
  path: ${FORKD_TEST_DB}
jobs:
  - name: greet
    command: ["/bin/echo", "${FORKD_TEST_WHO}"]
`,
			env: map[string]string{
				"FORKD_TEST_DB":  "/var/lib/forkd/journal.db",
				"FORKD_TEST_WHO": "world",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Journal.Path != "/var/lib/forkd/journal.db" {
					t.Errorf("journal.path = %q", cfg.Journal.Path)
				}
				if cfg.Jobs[0].Command[1] != "world" {
					t.Errorf("command = %v", cfg.Jobs[0].Command)
				}
			},
		},
		{
			name: "unset env var in command",
			yaml: `
jobs:
  - name: greet
    command: ["/bin/echo", "${FORKD_TEST_UNSET_VAR}"]
`,
			wantErr: "FORKD_TEST_UNSET_VAR",
		},
		{
			name: "unset env var in payload",
			yaml: `
jobs:
  - name: nap
    task: sleep
    payload:
      nested: {note: "${FORKD_TEST_UNSET_VAR}"}
`,
			wantErr: "FORKD_TEST_UNSET_VAR",
		},
		{
			name:    "negative hard max",
			yaml:    "groups:\n  bad: -1\n",
			wantErr: "groups.bad",
		},
		{
			name:    "unknown capacity key",
			yaml:    "groups:\n  bad: {hard: 1, burst: 3}\n",
			wantErr: "groups.bad",
		},
		{
			name:    "unknown field",
			yaml:    "service:\n  tick: 1s\n",
			wantErr: "field tick not found",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
		{
			name:    "bad log format",
			yaml:    "service:\n  log_format: xml\n",
			wantErr: "service.log_format",
		},
		{
			name:    "negative tick",
			yaml:    "service:\n  tick_interval: -1s\n",
			wantErr: "service.tick_interval",
		},
		{
			name:    "job without name",
			yaml:    "jobs:\n  - task: sleep\n",
			wantErr: "jobs[0]: name is required",
		},
		{
			name:    "duplicate job",
			yaml:    "jobs:\n  - {name: a, task: sleep}\n  - {name: a, task: sleep}\n",
			wantErr: "duplicate job name",
		},
		{
			name:    "job without task",
			yaml:    "jobs:\n  - name: idle\n",
			wantErr: "task or command is required",
		},
		{
			name:    "command on another task",
			yaml:    "jobs:\n  - {name: a, task: sleep, command: [/bin/true]}\n",
			wantErr: "only valid for the command task",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, t.TempDir(), tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error %q does not contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "service:\n  name: from-dir\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.Service.Name != "from-dir" {
		t.Errorf("name = %q", cfg.Service.Name)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for directory without config.yaml")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "service:\n  name: a\n")

	first, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if len(first) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(first))
	}

	again, err := Fingerprint(dir)
	if err != nil {
		t.Fatalf("Fingerprint(dir) error = %v", err)
	}
	if again != first {
		t.Error("fingerprint of the same file changed")
	}

	writeConfig(t, dir, "service:\n  name: b\n")
	changed, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if changed == first {
		t.Error("fingerprint did not change with content")
	}
}
