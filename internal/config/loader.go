// Package config loads the forkd YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/forkd/internal/group"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory is resolved
// to the config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := Resolve(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Resolve returns the absolute path of the config file configPath points at.
func Resolve(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// Parse decodes YAML configuration, interpolating ${VAR} references, filling
// defaults and validating the result.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.LoopInterval == 0 {
		cfg.Service.LoopInterval = defaults.Service.LoopInterval
	}
	if cfg.Service.TickInterval == 0 {
		cfg.Service.TickInterval = defaults.Service.TickInterval
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Groups == nil {
		cfg.Groups = defaults.Groups
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place and rejected by validate where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.LoopInterval <= 0 {
		return fmt.Errorf("service.loop_interval must be positive")
	}
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if err := checkUnresolved("service.pid_file", cfg.Service.PIDFile); err != nil {
		return err
	}
	if err := checkUnresolved("journal.path", cfg.Journal.Path); err != nil {
		return err
	}
	if cfg.API.Enabled {
		if err := checkUnresolved("api.listen", cfg.API.Listen); err != nil {
			return err
		}
	}

	for name, spec := range cfg.Groups {
		if name == "" {
			return fmt.Errorf("groups: empty group name")
		}
		if _, err := group.Normalize(spec); err != nil {
			return fmt.Errorf("groups.%s: %w", name, err)
		}
	}

	seen := make(map[string]bool, len(cfg.Jobs))
	for i, job := range cfg.Jobs {
		if job.Name == "" {
			return fmt.Errorf("jobs[%d]: name is required", i)
		}
		if seen[job.Name] {
			return fmt.Errorf("jobs[%d]: duplicate job name %q", i, job.Name)
		}
		seen[job.Name] = true

		if job.TaskName() == "" {
			return fmt.Errorf("job %q: task or command is required", job.Name)
		}
		if job.Task != "" && len(job.Command) > 0 && job.Task != "command" {
			return fmt.Errorf("job %q: command is only valid for the command task", job.Name)
		}
		for j, arg := range job.Command {
			if err := checkUnresolved(fmt.Sprintf("job %q: command[%d]", job.Name, j), arg); err != nil {
				return err
			}
		}
		if err := checkUnresolvedEnvVars(job.Payload, job.Name); err != nil {
			return err
		}
	}

	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// checkUnresolvedEnvVars walks a job payload for placeholders left by
// interpolateEnv.
func checkUnresolvedEnvVars(data map[string]any, jobName string) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if err := checkUnresolved(fmt.Sprintf("job %q: payload.%s", jobName, key), v); err != nil {
				return err
			}
		case map[string]any:
			if err := checkUnresolvedEnvVars(v, jobName); err != nil {
				return err
			}
		}
	}
	return nil
}
