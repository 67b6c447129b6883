package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

type Duration time.Duration

func (d Duration) ToDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*d = 0
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}

	// allow: "5s", "2m", or integer seconds
	switch value.Tag {
	case "!!int":
		i, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	default:
		parsed, err := parseDuration(value.Value)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if dur, err := time.ParseDuration(s); err == nil {
		return Duration(dur), nil
	}
	// also allow string that is numeric = seconds
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(i) * time.Second), nil
	}
	return 0, fmt.Errorf("invalid duration: %q", s)
}

type Config struct {
	LogLevel  string          `yaml:"log_level" env:"EMOTIONDEMO_LOG_LEVEL"`
	Server    ServerConfig    `yaml:"server"`
	Recording RecordingConfig `yaml:"recording"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Upload    UploadConfig    `yaml:"upload"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Announce  AnnounceConfig  `yaml:"announce"`
	Cache     CacheConfig     `yaml:"cache"`
}

type ServerConfig struct {
	Bind              string   `yaml:"bind" env:"EMOTIONDEMO_BIND"`
	Port              int      `yaml:"port" env:"EMOTIONDEMO_PORT"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
}

type RecordingConfig struct {
	MaxDuration  Duration `yaml:"max_duration" env:"EMOTIONDEMO_MAX_RECORDING"`
	ArtifactName string   `yaml:"artifact_name"`
	MimeType     string   `yaml:"mime_type"`
	MaxChunkSize int      `yaml:"max_chunk_bytes"`
}

type AnalysisConfig struct {
	Delay    Duration `yaml:"delay" env:"EMOTIONDEMO_ANALYSIS_DELAY"`
	Rounding string   `yaml:"rounding" env:"EMOTIONDEMO_ROUNDING"` // largest_remainder, independent
}

type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

type SessionsConfig struct {
	IdleTimeout Duration `yaml:"idle_timeout"`
	SweepEvery  Duration `yaml:"sweep_every"`
}

type AnnounceConfig struct {
	Enabled        bool     `yaml:"enabled" env:"EMOTIONDEMO_ANNOUNCE"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	BaseURL        string   `yaml:"base_url"` // default https://api.openai.com/v1
	Model          string   `yaml:"model"`    // tts-1, tts-1-hd, gpt-4o-mini-tts
	Voice          string   `yaml:"voice"`
	ResponseFormat string   `yaml:"response_format"` // mp3, wav, aac, opus, flac
	Speed          float64  `yaml:"speed"`
	Timeout        Duration `yaml:"timeout"`
}

type CacheConfig struct {
	AudioDir string `yaml:"audio_dir" env:"EMOTIONDEMO_AUDIO_DIR"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Bind:              "0.0.0.0",
			Port:              8092,
			ReadHeaderTimeout: Duration(5 * time.Second),
		},
		Recording: RecordingConfig{
			MaxDuration:  Duration(40 * time.Second),
			ArtifactName: "recorded_audio.wav",
			MimeType:     "audio/wav",
			MaxChunkSize: 1 << 20,
		},
		Analysis: AnalysisConfig{
			Delay:    Duration(2 * time.Second),
			Rounding: "largest_remainder",
		},
		Upload: UploadConfig{
			MaxBytes: 25 << 20,
		},
		Sessions: SessionsConfig{
			IdleTimeout: Duration(30 * time.Minute),
			SweepEvery:  Duration(time.Minute),
		},
		Announce: AnnounceConfig{
			Enabled:        false,
			APIKeyEnv:      "OPENAI_API_KEY",
			BaseURL:        "https://api.openai.com/v1",
			Model:          "tts-1",
			Voice:          "nova",
			ResponseFormat: "mp3",
			Speed:          1.0,
			Timeout:        Duration(30 * time.Second),
		},
		Cache: CacheConfig{
			AudioDir: "./cache/audio",
		},
	}
}

// Load reads the YAML file at path on top of Default, applies environment
// overrides and resets invalid values. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case os.IsNotExist(err):
	default:
		return cfg, err
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	cfg.sanitize()
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	funcs := map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(Duration(0)): func(v string) (interface{}, error) {
			return parseDuration(v)
		},
	}
	targets := []interface{}{
		cfg,
		&cfg.Server,
		&cfg.Recording,
		&cfg.Analysis,
		&cfg.Announce,
		&cfg.Cache,
	}
	for _, t := range targets {
		if err := env.ParseWithFuncs(t, funcs); err != nil {
			return err
		}
	}
	return nil
}

func (cfg *Config) sanitize() {
	def := Default()

	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.Bind == "" {
		cfg.Server.Bind = def.Server.Bind
	}
	if cfg.Server.ReadHeaderTimeout.ToDuration() <= 0 {
		cfg.Server.ReadHeaderTimeout = def.Server.ReadHeaderTimeout
	}

	if cfg.Recording.MaxDuration.ToDuration() <= 0 {
		cfg.Recording.MaxDuration = def.Recording.MaxDuration
	}
	if strings.TrimSpace(cfg.Recording.ArtifactName) == "" {
		cfg.Recording.ArtifactName = def.Recording.ArtifactName
	}
	if !strings.HasPrefix(cfg.Recording.MimeType, "audio/") {
		cfg.Recording.MimeType = def.Recording.MimeType
	}
	if cfg.Recording.MaxChunkSize <= 0 {
		cfg.Recording.MaxChunkSize = def.Recording.MaxChunkSize
	}

	// zero delay is allowed (tests, benchmarks)
	if cfg.Analysis.Delay.ToDuration() < 0 {
		cfg.Analysis.Delay = def.Analysis.Delay
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Analysis.Rounding)) {
	case "largest_remainder", "independent":
		cfg.Analysis.Rounding = strings.ToLower(strings.TrimSpace(cfg.Analysis.Rounding))
	default:
		cfg.Analysis.Rounding = def.Analysis.Rounding
	}

	if cfg.Upload.MaxBytes <= 0 {
		cfg.Upload.MaxBytes = def.Upload.MaxBytes
	}

	if cfg.Sessions.IdleTimeout.ToDuration() <= 0 {
		cfg.Sessions.IdleTimeout = def.Sessions.IdleTimeout
	}
	if cfg.Sessions.SweepEvery.ToDuration() <= 0 {
		cfg.Sessions.SweepEvery = def.Sessions.SweepEvery
	}

	if cfg.Announce.APIKeyEnv == "" {
		cfg.Announce.APIKeyEnv = def.Announce.APIKeyEnv
	}
	if cfg.Announce.BaseURL == "" {
		cfg.Announce.BaseURL = def.Announce.BaseURL
	}
	if cfg.Announce.Model == "" {
		cfg.Announce.Model = def.Announce.Model
	}
	if cfg.Announce.Voice == "" {
		cfg.Announce.Voice = def.Announce.Voice
	}
	if cfg.Announce.ResponseFormat == "" {
		cfg.Announce.ResponseFormat = def.Announce.ResponseFormat
	}
	if cfg.Announce.Speed <= 0 {
		cfg.Announce.Speed = def.Announce.Speed
	}
	if cfg.Announce.Timeout.ToDuration() <= 0 {
		cfg.Announce.Timeout = def.Announce.Timeout
	}
	if cfg.Cache.AudioDir == "" {
		cfg.Cache.AudioDir = def.Cache.AudioDir
	}
}
