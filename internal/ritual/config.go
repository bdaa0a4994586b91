package ritual

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is one ritual entry from rituals.yaml.
type Definition struct {
	Name         string          `yaml:"name"`
	Description  string          `yaml:"description"`
	Command      string          `yaml:"command"`
	Schedule     string          `yaml:"schedule"`
	Time         string          `yaml:"time"`
	Enabled      bool            `yaml:"enabled"`
	Projects     []string        `yaml:"projects"`
	SafetyChecks map[string]bool `yaml:"safety_checks"`
	PostActions  []string        `yaml:"post_actions"`
}

// Settings is the shared config block of rituals.yaml.
type Settings struct {
	AutoArchiveDays int             `yaml:"auto_archive_days"`
	LogPattern      string          `yaml:"log_pattern"`
	ArchiveFooter   string          `yaml:"archive_footer"`
	Notifications   map[string]bool `yaml:"notifications"`
	Safety          map[string]bool `yaml:"safety"`
}

// Config is the parsed rituals.yaml document.
type Config struct {
	Rituals  []Definition `yaml:"rituals"`
	Settings Settings     `yaml:"config"`
}

// LoadConfig reads and parses a rituals YAML file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read rituals config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse rituals config: %w", err)
	}
	return cfg, nil
}
