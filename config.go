package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

// AppConfig holds all server configuration.
// Priority (lowest → highest): defaults < env vars < JSON config file < CLI flags.
type AppConfig struct {
	// Server. The in-memory DB default is for development: it runs on one
	// connection, so reads wait behind writes, and nothing survives a
	// restart. Point DB at a file path for real games.
	DB   string `json:"db"   env:"DB"   envDefault:"file::memory:?cache=shared"`
	Dev  bool   `json:"dev"  env:"DEV"`
	Addr string `json:"addr" env:"ADDR" envDefault:":8080"`
	Seed uint64 `json:"seed" env:"SEED"` // 0 draws a random seed

	// Logging (extended diagnostics, off by default)
	LogOutputDir string `json:"log_output_dir" env:"LOG_OUTPUT_DIR"`
	LogRequests  bool   `json:"log_requests"   env:"LOG_REQUESTS"`
	LogDB        bool   `json:"log_db"         env:"LOG_DB"`
	LogWS        bool   `json:"log_ws"         env:"LOG_WS"`
	LogDebug     bool   `json:"log_debug"      env:"LOG_DEBUG"`
	LogJSON      bool   `json:"log_json"       env:"LOG_JSON"`

	// Death announcements
	NarratorProvider    string `json:"narrator_provider"    env:"NARRATOR_PROVIDER"` // ollama | openai | claude | gemini | groq | openai-compatible; empty uses templates
	NarratorModel       string `json:"narrator_model"       env:"NARRATOR_MODEL"`
	NarratorOllamaURL   string `json:"narrator_ollama_url"  env:"NARRATOR_OLLAMA_URL" envDefault:"http://localhost:11434"`
	NarratorURL         string `json:"narrator_url"         env:"NARRATOR_URL"`     // base URL for openai-compatible
	NarratorAPIKey      string `json:"narrator_api_key"     env:"NARRATOR_API_KEY"` // API key for openai-compatible
	NarratorTemperature string `json:"narrator_temperature" env:"NARRATOR_TEMPERATURE"`
	NarratorThinking    string `json:"narrator_thinking"    env:"NARRATOR_THINKING"` // none | low | medium | high | auto
	GroqAPIKey          string `json:"groq_api_key"         env:"GROQ_API_KEY"`
}

func (cfg AppConfig) toLogConfig() LogConfig {
	return LogConfig{
		OutputDir:   cfg.LogOutputDir,
		LogRequests: cfg.LogRequests,
		LogDB:       cfg.LogDB,
		LogWS:       cfg.LogWS,
		Debug:       cfg.LogDebug || cfg.Dev,
		JSON:        cfg.LogJSON,
	}
}

// defaultConfig returns the struct-tag defaults, ignoring the environment.
func defaultConfig() AppConfig {
	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		log.Warn().Err(err).Msg("Config: defaults")
	}
	return cfg
}

// loadConfig builds a config by layering: defaults → env vars → JSON config file.
// A nil environ reads the process environment. CLI flag overrides are applied
// separately by flagValues.applyTo after parsing.
func loadConfig(configPath string, environ map[string]string) (AppConfig, error) {
	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	// Only keys present in the file override, since Unmarshal leaves absent fields alone.
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", configPath, err)
		}
		log.Info().Str("path", configPath).Msg("Config: loaded")
	case !os.IsNotExist(err):
		log.Warn().Err(err).Str("path", configPath).Msg("Config: unreadable file ignored")
	}
	return cfg, nil
}

// flagValues holds the registered CLI flags and how each one lands in AppConfig.
type flagValues struct {
	fs         *flag.FlagSet
	configPath *string
	setters    map[string]func(*AppConfig)
}

// registerFlags registers all CLI flags on fs.
// Parse fs after this, then applyTo to layer them over the loaded config.
func registerFlags(fs *flag.FlagSet) flagValues {
	fv := flagValues{
		fs:         fs,
		configPath: fs.String("config", "config.json", "path to JSON config file"),
		setters:    map[string]func(*AppConfig){},
	}
	str := func(name, usage string, field func(*AppConfig) *string) {
		v := fs.String(name, "", usage)
		fv.setters[name] = func(cfg *AppConfig) { *field(cfg) = *v }
	}
	boolean := func(name, usage string, field func(*AppConfig) *bool) {
		v := fs.Bool(name, false, usage)
		fv.setters[name] = func(cfg *AppConfig) { *field(cfg) = *v }
	}

	str("db", "database connection string", func(c *AppConfig) *string { return &c.DB })
	boolean("dev", "enable development mode (verbose logging)", func(c *AppConfig) *bool { return &c.Dev })
	str("addr", "HTTP listen address (e.g. :8080)", func(c *AppConfig) *string { return &c.Addr })
	seed := fs.Uint64("seed", 0, "random seed (0 = random)")
	fv.setters["seed"] = func(cfg *AppConfig) { cfg.Seed = *seed }

	str("log-output-dir", "directory for extended log files", func(c *AppConfig) *string { return &c.LogOutputDir })
	boolean("log-requests", "log HTTP requests and responses", func(c *AppConfig) *bool { return &c.LogRequests })
	boolean("log-db", "log database dumps", func(c *AppConfig) *bool { return &c.LogDB })
	boolean("log-ws", "log WebSocket messages", func(c *AppConfig) *bool { return &c.LogWS })
	boolean("log-debug", "enable debug logging", func(c *AppConfig) *bool { return &c.LogDebug })
	boolean("log-json", "write logs as JSON", func(c *AppConfig) *bool { return &c.LogJSON })

	str("narrator-provider", "death announcement provider (ollama|openai|claude|gemini|groq|openai-compatible)", func(c *AppConfig) *string { return &c.NarratorProvider })
	str("narrator-model", "narrator model name", func(c *AppConfig) *string { return &c.NarratorModel })
	str("narrator-ollama-url", "Ollama server URL", func(c *AppConfig) *string { return &c.NarratorOllamaURL })
	str("narrator-url", "base URL for openai-compatible provider", func(c *AppConfig) *string { return &c.NarratorURL })
	str("narrator-api-key", "API key for narrator provider", func(c *AppConfig) *string { return &c.NarratorAPIKey })
	str("narrator-temperature", "sampling temperature 0-1", func(c *AppConfig) *string { return &c.NarratorTemperature })
	str("narrator-thinking", "thinking mode: none|low|medium|high|auto", func(c *AppConfig) *string { return &c.NarratorThinking })
	str("groq-api-key", "Groq API key", func(c *AppConfig) *string { return &c.GroqAPIKey })
	return fv
}

// applyTo overlays any CLI flags that were explicitly set onto cfg.
// Flags that were not passed on the command line are ignored (env/JSON values win).
func (fv flagValues) applyTo(cfg *AppConfig) {
	fv.fs.Visit(func(f *flag.Flag) {
		if set, ok := fv.setters[f.Name]; ok {
			set(cfg)
		}
	})
}
