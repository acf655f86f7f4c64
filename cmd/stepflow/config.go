package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rendis/stepflow/internal/scheduler"
)

// Config holds all stepflow configuration.
// Priority: flags > env vars > settings file > defaults.
type Config struct {
	LogLevel               string               `json:"log_level" toml:"log_level"`
	JournalPath            string               `json:"journal_path" toml:"journal_path"`
	Definitions            []string             `json:"definitions" toml:"definitions"`
	MaxConcurrentInstances int                  `json:"max_concurrent_instances" toml:"max_concurrent_instances"`
	DefaultListLimit       int                  `json:"default_list_limit" toml:"default_list_limit"`
	AutoContinue           bool                 `json:"auto_continue" toml:"auto_continue"`
	Schedules              []scheduler.Schedule `json:"schedules" toml:"schedules"`
	SchedulerTick          string               `json:"scheduler_tick" toml:"scheduler_tick"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:               "info",
		MaxConcurrentInstances: 10,
		DefaultListLimit:       50,
		SchedulerTick:          "1m",
	}
}

// stepflowDir returns $STEPFLOW_HOME, or ~/.stepflow.
func stepflowDir(getenv func(string) string) string {
	if dir := getenv("STEPFLOW_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath(getenv func(string) string) string {
	return filepath.Join(stepflowDir(getenv), "settings.json")
}

// readSettings layers the settings file at path over cfg. A missing file is
// only an error when the path was given explicitly.
func readSettings(cfg *Config, path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read settings: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides cfg with STEPFLOW_* variables.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("STEPFLOW_JOURNAL_PATH"); v != "" {
		cfg.JournalPath = v
	}
	if v := getenv("STEPFLOW_DEFINITIONS"); v != "" {
		cfg.Definitions = splitList(v)
	}
	if v := getenv("STEPFLOW_MAX_CONCURRENT_INSTANCES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STEPFLOW_MAX_CONCURRENT_INSTANCES: %w", err)
		}
		cfg.MaxConcurrentInstances = n
	}
	if v := getenv("STEPFLOW_DEFAULT_LIST_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STEPFLOW_DEFAULT_LIST_LIMIT: %w", err)
		}
		cfg.DefaultListLimit = n
	}
	if v := getenv("STEPFLOW_AUTO_CONTINUE"); v != "" {
		cfg.AutoContinue = v == "true" || v == "1"
	}
	if v := getenv("STEPFLOW_SCHEDULER_TICK"); v != "" {
		cfg.SchedulerTick = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Tick returns the parsed scheduler tick.
func (c Config) Tick() (time.Duration, error) {
	if c.SchedulerTick == "" {
		return scheduler.DefaultTick, nil
	}
	d, err := time.ParseDuration(c.SchedulerTick)
	if err != nil {
		return 0, fmt.Errorf("scheduler_tick: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("scheduler_tick must be positive, got %s", c.SchedulerTick)
	}
	return d, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConcurrentInstances < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_instances must not be negative, got %d", c.MaxConcurrentInstances))
	}
	if c.DefaultListLimit < 0 {
		errs = append(errs, fmt.Errorf("default_list_limit must not be negative, got %d", c.DefaultListLimit))
	}
	if _, err := c.Tick(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// options are the command-line flags.
type options struct {
	configPath  string
	version     bool
	logLevel    string
	journal     string
	definitions string
	maxConc     int
	auto        bool
}

// loadConfig parses args and builds the effective configuration.
func loadConfig(args []string, getenv func(string) string, stderr io.Writer) (Config, bool, error) {
	var opts options
	fset := flag.NewFlagSet("stepflow", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.StringVar(&opts.configPath, "config", "", "settings file (.json or .toml; default: $STEPFLOW_HOME/settings.json)")
	fset.BoolVar(&opts.version, "version", false, "print version and exit")
	fset.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fset.StringVar(&opts.journal, "journal", "", "libSQL journal path (empty disables the journal)")
	fset.StringVar(&opts.definitions, "definitions", "", "comma-separated glob patterns of definition files")
	fset.IntVar(&opts.maxConc, "max-concurrent", 0, "maximum concurrently executing instances")
	fset.BoolVar(&opts.auto, "auto-continue", false, "advance instances as soon as they are resumed")
	if err := fset.Parse(args); err != nil {
		return Config{}, false, err
	}
	if opts.version {
		return Config{}, true, nil
	}

	cfg := defaultConfig()
	path, explicit := opts.configPath, opts.configPath != ""
	if !explicit {
		path = settingsPath(getenv)
	}
	if err := readSettings(&cfg, path, explicit); err != nil {
		return Config{}, false, err
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, false, err
	}

	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.LogLevel = opts.logLevel
		case "journal":
			cfg.JournalPath = opts.journal
		case "definitions":
			cfg.Definitions = splitList(opts.definitions)
		case "max-concurrent":
			cfg.MaxConcurrentInstances = opts.maxConc
		case "auto-continue":
			cfg.AutoContinue = opts.auto
		}
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, false, nil
}
