// Package config loads the service configuration from a single YAML file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the captioning service.
type Config struct {
	HostPassword  string `yaml:"host_password"`
	AdminPassword string `yaml:"admin_password"`

	Server     ServerConfig     `yaml:"server"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Translator TranslatorConfig `yaml:"translator"`
	ASR        ASRConfig        `yaml:"asr"`
	Rooms      RoomsConfig      `yaml:"rooms"`
	Data       DataConfig       `yaml:"data"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the HTTP/WS listener configuration.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ScheduleConfig holds the conference schedule source.
type ScheduleConfig struct {
	URL          string `yaml:"url"`
	CacheMinutes int    `yaml:"cache_minutes"`
	// Filter restricts the room list to events in the named location.
	Filter string `yaml:"filter"`
	// FakeNow overrides the clock for the ongoing-event window,
	// RFC3339 or "2006-01-02 15:04" local time. Testing only.
	FakeNow string `yaml:"fake_now"`
}

// TranslatorConfig holds the MT service endpoint (LibreTranslate-compatible).
type TranslatorConfig struct {
	URL string `yaml:"url"`
}

// ASRConfig holds the speech recognition engine configuration handed to
// each room worker.
type ASRConfig struct {
	Langs          []string `yaml:"langs"`
	EngineURL      string   `yaml:"engine_url"`
	Model          string   `yaml:"model"`
	Device         string   `yaml:"device"`
	ComputeType    string   `yaml:"compute_type"`
	Diarization    bool     `yaml:"diarization"`
	VAC            bool     `yaml:"vac"`
	BufferTrimming string   `yaml:"buffer_trimming"`
	MinChunkSize   float64  `yaml:"min_chunk_size"`
	VACChunkSize   float64  `yaml:"vac_chunk_size"`
}

// RoomsConfig holds fleet-level limits.
type RoomsConfig struct {
	MaxActive         int    `yaml:"max_active"`
	CloseAfterSeconds int    `yaml:"close_after_seconds"`
	DevRoomID         string `yaml:"dev_room_id"`
}

// DataConfig holds the on-disk state roots.
type DataConfig struct {
	TranscriptDir string `yaml:"transcript_dir"`
	VotesDir      string `yaml:"votes_dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Schedule: ScheduleConfig{
			CacheMinutes: 15,
		},
		Translator: TranslatorConfig{
			URL: "http://localhost:5000",
		},
		ASR: ASRConfig{
			Langs:          []string{"en"},
			Model:          "large-v3",
			Device:         "cuda",
			ComputeType:    "float16",
			BufferTrimming: "segment",
			MinChunkSize:   0.5,
			VACChunkSize:   0.04,
		},
		Rooms: RoomsConfig{
			MaxActive:         2,
			CloseAfterSeconds: 300,
			DevRoomID:         "dev_room",
		},
		Data: DataConfig{
			TranscriptDir: "./transcripts",
			VotesDir:      "./votes",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks that the configuration has valid values.
func (c Config) Validate() error {
	var errs []string

	if c.HostPassword == "" {
		errs = append(errs, "host_password is required")
	}
	if c.AdminPassword == "" {
		errs = append(errs, "admin_password is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}
	if len(c.ASR.Langs) == 0 {
		errs = append(errs, "at least one ASR language is required")
	}
	if c.ASR.EngineURL == "" {
		errs = append(errs, "ASR engine URL is required")
	} else if !isValidURL(c.ASR.EngineURL) {
		errs = append(errs, "ASR engine URL must be a valid URL")
	}
	if c.Translator.URL != "" && !isValidURL(c.Translator.URL) {
		errs = append(errs, "translator URL must be a valid URL")
	}
	if c.Schedule.URL != "" && !isValidURL(c.Schedule.URL) {
		errs = append(errs, "schedule URL must be a valid URL")
	}
	if c.Rooms.MaxActive < 1 {
		errs = append(errs, "max active rooms must be at least 1")
	}
	if c.Rooms.CloseAfterSeconds < 0 {
		errs = append(errs, "room close delay must not be negative")
	}
	if c.Schedule.FakeNow != "" {
		if _, err := ParseFakeNow(c.Schedule.FakeNow); err != nil {
			errs = append(errs, fmt.Sprintf("fake_now: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CloseAfter returns the deferred-deactivation delay as a duration.
func (c Config) CloseAfter() time.Duration {
	return time.Duration(c.Rooms.CloseAfterSeconds) * time.Second
}

// CacheTTL returns the schedule cache lifetime as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Schedule.CacheMinutes) * time.Minute
}

// ParseFakeNow accepts RFC3339 or "2006-01-02 15:04" in local time.
func ParseFakeNow(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return t, nil
}
