package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the supervisor settings.
type Config struct {
	Root   string       `yaml:"root"`
	Bot    BotConfig    `yaml:"bot"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
}

// LogConfig configures the supervisor's own diagnostic log. The bot's
// output goes to per-run log files and is not affected by these settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSize    int    `yaml:"max_size,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAge     int    `yaml:"max_age,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// Default returns a Config with the layout the launch script always used:
// venv/, config.json and logs/ next to main.py.
func Default() *Config {
	return &Config{
		Root: ".",
		Bot:  defaultBotConfig(),
		Server: ServerConfig{
			Address: ":8080",
		},
		Log: LogConfig{
			Level:      "info",
			File:       "supervisor.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist. BOTCTL_* environment variables override the file.
// Relative paths are resolved against Root.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse %s", path)
			}
		case os.IsNotExist(err):
		default:
			return nil, errors.Wrapf(err, "read %s", path)
		}
	}

	cfg.applyEnv()
	cfg.Bot.applyDefaults()
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "load %s", f)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Root, "BOTCTL_ROOT")
	set(&c.Bot.LogDir, "BOTCTL_LOG_DIR")
	set(&c.Bot.Python, "BOTCTL_PYTHON")
	set(&c.Bot.HealthURL, "BOTCTL_HEALTH_URL")
	set(&c.Log.Level, "BOTCTL_LOG_LEVEL")
	set(&c.Server.Address, "BOTCTL_ADDRESS")
}

func (c *Config) resolve() error {
	root, err := filepath.Abs(ExpandPath(c.Root))
	if err != nil {
		return errors.Wrap(err, "resolve root")
	}
	c.Root = root

	for _, p := range []*string{
		&c.Bot.VenvDir,
		&c.Bot.Entry,
		&c.Bot.Requirements,
		&c.Bot.ConfigFile,
		&c.Bot.ConfigExample,
		&c.Bot.LogDir,
	} {
		*p = c.abs(*p)
	}
	if c.Log.File != "" && !filepath.IsAbs(c.Log.File) && !strings.HasPrefix(c.Log.File, "~/") {
		c.Log.File = filepath.Join(c.Bot.LogDir, c.Log.File)
	}
	c.Log.File = ExpandPath(c.Log.File)
	return nil
}

func (c *Config) abs(p string) string {
	p = ExpandPath(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
