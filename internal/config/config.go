package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	SourceKnowledgeC = "knowledgec"
	SourceJSONL      = "jsonl"

	ClassifierRules    = "rules"
	ClassifierDisabled = "disabled"

	DefaultMergeThreshold = "60s"
	DefaultImportCooldown = "5s"
	DefaultImportSchedule = "@every 5m"
	DefaultSaveDebounce   = "2s"
	DefaultLogLevel       = "info"
)

type Config struct {
	DataDir    string         `json:"dataDir"`
	Source     SourceConfig   `json:"source"`
	Sessions   SessionsConfig `json:"sessions"`
	Import     ImportConfig   `json:"import"`
	Store      StoreConfig    `json:"store"`
	Rules      RulesConfig    `json:"rules"`
	// Classifier is "rules" (default) or "disabled". The suggestion
	// classifier is reachable only from code, through
	// tracker.Options.Classifier.
	Classifier string         `json:"classifier"`
	Log        LogConfig      `json:"log"`
}

type SourceConfig struct {
	Kind         string `json:"kind"`
	Path         string `json:"path"`
	CalendarPath string `json:"calendarPath,omitempty"`
	// AppNames maps bundle identifiers to display names.
	AppNames map[string]string `json:"appNames,omitempty"`
}

type SessionsConfig struct {
	MergeThreshold string `json:"mergeThreshold"`
}

type ImportConfig struct {
	Cooldown string `json:"cooldown"`
	Schedule string `json:"schedule"`
	Watch    bool   `json:"watch"`
}

type StoreConfig struct {
	SnapshotPath string `json:"snapshotPath"`
	SaveDebounce string `json:"saveDebounce"`
}

type RulesConfig struct {
	Path string `json:"path"`
}

type LogConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	home := filepath.Dir(dir)
	return &Config{
		DataDir: dir,
		Source: SourceConfig{
			Kind: SourceKnowledgeC,
			Path: filepath.Join(home, "Library", "Application Support", "Knowledge", "knowledgeC.db"),
		},
		Sessions: SessionsConfig{
			MergeThreshold: DefaultMergeThreshold,
		},
		Import: ImportConfig{
			Cooldown: DefaultImportCooldown,
			Schedule: DefaultImportSchedule,
			Watch:    true,
		},
		Store: StoreConfig{
			SnapshotPath: filepath.Join(dir, "snapshot.json"),
			SaveDebounce: DefaultSaveDebounce,
		},
		Rules: RulesConfig{
			Path: filepath.Join(dir, "rules.yaml"),
		},
		Classifier: ClassifierRules,
		Log: LogConfig{
			Level:   DefaultLogLevel,
			Console: true,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".judgechronos")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if kind := os.Getenv("JUDGECHRONOS_SOURCE_KIND"); kind != "" {
		cfg.Source.Kind = kind
	}
	if path := os.Getenv("JUDGECHRONOS_SOURCE_PATH"); path != "" {
		cfg.Source.Path = path
	}
	if path := os.Getenv("JUDGECHRONOS_CALENDAR_PATH"); path != "" {
		cfg.Source.CalendarPath = path
	}
	if d := os.Getenv("JUDGECHRONOS_MERGE_THRESHOLD"); d != "" {
		cfg.Sessions.MergeThreshold = d
	}
	if d := os.Getenv("JUDGECHRONOS_IMPORT_COOLDOWN"); d != "" {
		cfg.Import.Cooldown = d
	}
	if schedule := os.Getenv("JUDGECHRONOS_IMPORT_SCHEDULE"); schedule != "" {
		cfg.Import.Schedule = schedule
	}
	if watch := os.Getenv("JUDGECHRONOS_IMPORT_WATCH"); watch != "" {
		if parsed, err := strconv.ParseBool(watch); err == nil {
			cfg.Import.Watch = parsed
		}
	}
	if path := os.Getenv("JUDGECHRONOS_SNAPSHOT_PATH"); path != "" {
		cfg.Store.SnapshotPath = path
	}
	if path := os.Getenv("JUDGECHRONOS_RULES_PATH"); path != "" {
		cfg.Rules.Path = path
	}
	if level := os.Getenv("JUDGECHRONOS_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	defaults := DefaultConfig()
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = defaults.Source.Kind
	}
	if cfg.Import.Schedule == "" {
		cfg.Import.Schedule = DefaultImportSchedule
	}
	if cfg.Store.SnapshotPath == "" {
		cfg.Store.SnapshotPath = filepath.Join(cfg.DataDir, "snapshot.json")
	}
	if cfg.Rules.Path == "" {
		cfg.Rules.Path = defaults.Rules.Path
	}
	if cfg.Classifier == "" {
		cfg.Classifier = ClassifierRules
	}
	if cfg.Classifier != ClassifierRules && cfg.Classifier != ClassifierDisabled {
		return nil, fmt.Errorf("unsupported classifier %q (want %q or %q)", cfg.Classifier, ClassifierRules, ClassifierDisabled)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

func (c SessionsConfig) MergeThresholdDuration() time.Duration {
	return parseDuration(c.MergeThreshold, DefaultMergeThreshold)
}

func (c ImportConfig) CooldownDuration() time.Duration {
	return parseDuration(c.Cooldown, DefaultImportCooldown)
}

func (c StoreConfig) SaveDebounceDuration() time.Duration {
	return parseDuration(c.SaveDebounce, DefaultSaveDebounce)
}

// parseDuration falls back to def when s is empty, malformed or not positive.
func parseDuration(s, def string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(def)
	return d
}
