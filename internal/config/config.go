package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pancakes/internal/market"
	"pancakes/internal/oracle"
)

type StoreConfig struct {
	Kind        string
	DatabaseURL string
	SQLitePath  string
}

type SimConfig struct {
	MenuSize           int
	MaxSwaps           int
	HistoryWindow      int
	OptionsPerConsumer int
}

type OracleConfig struct {
	Backend       string
	BaseURL       string
	Model         string
	Timeout       time.Duration
	Concurrency   int
	Required      bool
	TranscriptDir string
}

type Config struct {
	Store     StoreConfig
	Sim       SimConfig
	Oracle    OracleConfig
	World     market.World
	WorldFile string

	APIAddr       string
	TickEvery     time.Duration
	WorkerRunOnce bool

	RedisAddr     string
	RedisChannel  string
	TraceExporter string

	LogLevel  string
	LogFormat string
}

type CLIConfig struct {
	APIBaseURL string
}

// WorldDoc is the optional YAML document named by PANCAKES_WORLD_FILE.
type WorldDoc struct {
	Simulation SimOverride       `yaml:"simulation"`
	Producers  []market.Producer `yaml:"producers"`
	Consumers  []market.Consumer `yaml:"consumers"`
	Toppings   []market.Topping  `yaml:"toppings"`
}

type SimOverride struct {
	MenuSize           *int `yaml:"menu_size"`
	MaxSwaps           *int `yaml:"max_swaps"`
	HistoryWindow      *int `yaml:"history_window"`
	OptionsPerConsumer *int `yaml:"options_per_consumer"`
}

// LoadFromEnv builds the configuration from defaults, then the world file,
// then environment overrides, and validates the result.
func LoadFromEnv() (Config, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("PANCAKES_API_ADDR", ":8080")
	}

	cfg := Config{
		Store: StoreConfig{
			Kind:        strings.ToLower(envDefault("PANCAKES_STORE", "sqlite")),
			DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
			SQLitePath:  envDefault("PANCAKES_SQLITE_PATH", "pancakes.db"),
		},
		Sim: SimConfig{
			MenuSize:           market.DefaultMenuSize,
			MaxSwaps:           market.DefaultMaxSwaps,
			HistoryWindow:      market.DefaultHistoryWindow,
			OptionsPerConsumer: market.DefaultOptionsPerConsumer,
		},
		Oracle: OracleConfig{
			Backend:       strings.ToLower(envDefault("ORACLE_BACKEND", "ollama")),
			BaseURL:       strings.TrimRight(envDefault("OLLAMA_BASE_URL", oracle.DefaultOllamaURL), "/"),
			Model:         envDefault("OLLAMA_MODEL", oracle.DefaultOllamaModel),
			Timeout:       envDurationDefault("ORACLE_TIMEOUT", oracle.DefaultTimeout),
			Concurrency:   envIntDefault("ORACLE_CONCURRENCY", 4),
			Required:      envBoolDefault("ORACLE_REQUIRED", false),
			TranscriptDir: strings.TrimSpace(os.Getenv("ORACLE_TRANSCRIPT_DIR")),
		},
		World:         market.DefaultWorld(),
		WorldFile:     strings.TrimSpace(os.Getenv("PANCAKES_WORLD_FILE")),
		APIAddr:       addr,
		TickEvery:     envDurationDefault("PANCAKES_TICK_EVERY", time.Minute),
		WorkerRunOnce: envBoolDefault("PANCAKES_WORKER_RUN_ONCE", false),
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisChannel:  envDefault("REDIS_CHANNEL", "pancakes.ticks"),
		TraceExporter: strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER"))),
		LogLevel:      envDefault("LOG_LEVEL", "info"),
		LogFormat:     envDefault("LOG_FORMAT", "json"),
	}

	if cfg.WorldFile != "" {
		if err := cfg.applyWorldFile(cfg.WorldFile); err != nil {
			return cfg, err
		}
	}

	cfg.Sim.MenuSize = envIntDefault("PANCAKES_MENU_SIZE", cfg.Sim.MenuSize)
	cfg.Sim.MaxSwaps = envIntDefault("PANCAKES_MAX_SWAPS", cfg.Sim.MaxSwaps)
	cfg.Sim.HistoryWindow = envIntDefault("PANCAKES_HISTORY_WINDOW", cfg.Sim.HistoryWindow)
	cfg.Sim.OptionsPerConsumer = envIntDefault("PANCAKES_OPTIONS_PER_CONSUMER", cfg.Sim.OptionsPerConsumer)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("PANCAKES_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func (c *Config) applyWorldFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return market.Configf("reading world file: %v", err)
	}
	wf, err := ParseWorld(data)
	if err != nil {
		return err
	}
	c.Sim = mergeSim(c.Sim, wf.Simulation)
	if len(wf.Producers) > 0 {
		c.World.Producers = wf.Producers
	}
	if len(wf.Consumers) > 0 {
		c.World.Consumers = wf.Consumers
	}
	if len(wf.Toppings) > 0 {
		c.World.Toppings = wf.Toppings
	}
	return nil
}

// ParseWorld decodes a world file strictly: unknown keys are rejected.
// Missing ids are assigned from list position.
func ParseWorld(data []byte) (WorldDoc, error) {
	var wf WorldDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil && err != io.EOF {
		return wf, market.Configf("parsing world file: %v", err)
	}
	for i := range wf.Producers {
		if wf.Producers[i].ID == 0 {
			wf.Producers[i].ID = int64(i + 1)
		}
	}
	for i := range wf.Consumers {
		if wf.Consumers[i].ID == 0 {
			wf.Consumers[i].ID = int64(i + 1)
		}
	}
	for i := range wf.Toppings {
		if wf.Toppings[i].ID == 0 {
			wf.Toppings[i].ID = int64(i + 1)
		}
	}
	return wf, nil
}

func mergeSim(base SimConfig, over SimOverride) SimConfig {
	if over.MenuSize != nil {
		base.MenuSize = *over.MenuSize
	}
	if over.MaxSwaps != nil {
		base.MaxSwaps = *over.MaxSwaps
	}
	if over.HistoryWindow != nil {
		base.HistoryWindow = *over.HistoryWindow
	}
	if over.OptionsPerConsumer != nil {
		base.OptionsPerConsumer = *over.OptionsPerConsumer
	}
	return base
}

// Validate reports every startup misconfiguration as ErrConfiguration.
func (c Config) Validate() error {
	if err := c.Sim.Validate(c.World); err != nil {
		return err
	}
	switch c.Store.Kind {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return market.Configf("PANCAKES_SQLITE_PATH is required")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return market.Configf("DATABASE_URL is required for the postgres store")
		}
	default:
		return market.Configf("unknown PANCAKES_STORE %q", c.Store.Kind)
	}
	switch c.Oracle.Backend {
	case "ollama", "none":
	default:
		return market.Configf("unknown ORACLE_BACKEND %q", c.Oracle.Backend)
	}
	if c.Oracle.Concurrency < 1 {
		return market.Configf("ORACLE_CONCURRENCY must be >= 1, got %d", c.Oracle.Concurrency)
	}
	if c.Oracle.Timeout <= 0 {
		return market.Configf("ORACLE_TIMEOUT must be positive")
	}
	switch c.TraceExporter {
	case "", "none", "stdout", "otlp":
	default:
		return market.Configf("unknown OTEL_TRACES_EXPORTER %q", c.TraceExporter)
	}
	return nil
}

func (s SimConfig) Validate(w market.World) error {
	if err := w.Validate(); err != nil {
		return err
	}
	switch {
	case s.MenuSize < 1:
		return market.Configf("menu size must be >= 1, got %d", s.MenuSize)
	case s.MenuSize > len(w.Toppings):
		return market.Configf("menu size %d exceeds catalog of %d toppings", s.MenuSize, len(w.Toppings))
	case len(w.Producers)*s.MenuSize > len(w.Toppings):
		return market.Configf("%d producers x menu size %d exceeds catalog of %d toppings",
			len(w.Producers), s.MenuSize, len(w.Toppings))
	case s.MaxSwaps < 0 || s.MaxSwaps > s.MenuSize:
		return market.Configf("max swaps must be in [0,%d], got %d", s.MenuSize, s.MaxSwaps)
	case s.HistoryWindow < 1:
		return market.Configf("history window must be >= 1, got %d", s.HistoryWindow)
	case s.OptionsPerConsumer < 1:
		return market.Configf("options per consumer must be >= 1, got %d", s.OptionsPerConsumer)
	}
	return nil
}

// Logger builds the process logger: JSON on stdout unless LOG_FORMAT=text.
func (c Config) Logger() *slog.Logger {
	return NewLogger(c.LogLevel, c.LogFormat)
}

func NewLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func (c Config) String() string {
	return fmt.Sprintf("store=%s oracle=%s menu=%d swaps=%d history=%d options=%d",
		c.Store.Kind, c.Oracle.Backend, c.Sim.MenuSize, c.Sim.MaxSwaps, c.Sim.HistoryWindow, c.Sim.OptionsPerConsumer)
}
