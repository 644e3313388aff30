package config

import (
	"path/filepath"
	"time"
)

// BotConfig describes the supervised bot process and the files around it.
type BotConfig struct {
	VenvDir       string            `yaml:"venv"`
	Python        string            `yaml:"python"`
	Entry         string            `yaml:"entry"`
	Requirements  string            `yaml:"requirements"`
	ConfigFile    string            `yaml:"config"`
	ConfigExample string            `yaml:"config_example"`
	LogDir        string            `yaml:"log_dir"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	StopSignal    string            `yaml:"stopsignal,omitempty"`
	StopTimeout   int               `yaml:"stoptimeout,omitempty"`
	HealthURL     string            `yaml:"health_url,omitempty"`
}

func defaultBotConfig() BotConfig {
	return BotConfig{
		VenvDir:       "venv",
		Python:        "python3",
		Entry:         "main.py",
		Requirements:  "requirements.txt",
		ConfigFile:    "config.json",
		ConfigExample: "config.example.json",
		LogDir:        "logs",
		StopSignal:    "SIGTERM",
		StopTimeout:   10,
	}
}

func (b *BotConfig) applyDefaults() {
	def := defaultBotConfig()
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&b.VenvDir, def.VenvDir)
	fill(&b.Python, def.Python)
	fill(&b.Entry, def.Entry)
	fill(&b.Requirements, def.Requirements)
	fill(&b.ConfigFile, def.ConfigFile)
	fill(&b.ConfigExample, def.ConfigExample)
	fill(&b.LogDir, def.LogDir)
	fill(&b.StopSignal, def.StopSignal)
	if b.StopTimeout <= 0 {
		b.StopTimeout = def.StopTimeout
	}
}

// Interpreter is the python binary inside the virtual environment.
func (b BotConfig) Interpreter() string {
	return filepath.Join(b.VenvDir, "bin", "python")
}

// BinDir is the venv directory prepended to PATH on activation.
func (b BotConfig) BinDir() string {
	return filepath.Join(b.VenvDir, "bin")
}

func (b BotConfig) HistoryDB() string {
	return filepath.Join(b.LogDir, "history.db")
}

func (b BotConfig) StopWait() time.Duration {
	return time.Duration(b.StopTimeout) * time.Second
}
