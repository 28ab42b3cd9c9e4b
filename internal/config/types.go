package config

import "time"

// Config represents the complete forkd configuration.
type Config struct {
	Service ServiceConfig  `yaml:"service"`
	Journal JournalConfig  `yaml:"journal"`
	API     APIConfig      `yaml:"api,omitempty"`
	Groups  map[string]any `yaml:"groups"`
	Jobs    []JobConfig    `yaml:"jobs"`
}

// ServiceConfig defines core daemon settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	LoopInterval time.Duration `yaml:"loop_interval"`
	TickInterval time.Duration `yaml:"tick_interval"`
	// PIDFile is locked while the daemon runs. Empty disables the lock.
	PIDFile string `yaml:"pid_file"`
}

// JournalConfig defines where reaped children are recorded.
type JournalConfig struct {
	// Path of the SQLite database. Empty disables the journal.
	Path string `yaml:"path"`
}

// APIConfig defines the read-only status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// JobConfig describes work the daemon submits on every loop.
type JobConfig struct {
	Name string `yaml:"name"`
	// Task names a registered task. Empty with Command set means "command".
	Task    string         `yaml:"task,omitempty"`
	Group   string         `yaml:"group,omitempty"`
	Command []string       `yaml:"command,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
	// Repeat submits the job again on every loop instead of once.
	Repeat bool `yaml:"repeat,omitempty"`
}

// TaskName returns the task the job runs.
func (j JobConfig) TaskName() string {
	if j.Task == "" && len(j.Command) > 0 {
		return "command"
	}
	return j.Task
}

// Defaults returns a Config with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "forkd",
			LogLevel:     "info",
			LogFormat:    "json",
			LoopInterval: 60 * time.Second,
			TickInterval: time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Groups: make(map[string]any),
	}
}
