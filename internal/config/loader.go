package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/soundlearn/pkg/audio"
	"github.com/MrWong99/soundlearn/pkg/audio/stream"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values. Call it after
// [Config.ApplyDefaults]. It returns a joined error listing all validation
// failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must be positive", cfg.Server.MaxUploadBytes))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Capture
	if !cfg.Capture.Device.IsValid() {
		errs = append(errs, fmt.Errorf("capture.device %q is invalid; valid values: none, portaudio", cfg.Capture.Device))
	}
	codec, err := stream.ParseCodec(cfg.Capture.Codec)
	if err != nil {
		errs = append(errs, fmt.Errorf("capture.codec: %w", err))
	}
	format := audio.Format{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels}
	if err := format.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("capture: %w", err))
	} else if codec != 0 {
		if err := stream.Supports(codec, format); err != nil {
			errs = append(errs, fmt.Errorf("capture: %w", err))
		}
	}
	if cfg.Capture.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("capture.frames_per_buffer %d must be positive", cfg.Capture.FramesPerBuffer))
	}
	if cfg.Capture.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("capture.poll_interval %s must be positive", cfg.Capture.PollInterval))
	}

	// Pipeline
	if cfg.Pipeline.MinDuration < 0 {
		errs = append(errs, fmt.Errorf("pipeline.min_duration %.3f must not be negative", cfg.Pipeline.MinDuration))
	}
	if cfg.Pipeline.TargetPeak <= 0 || cfg.Pipeline.TargetPeak > 1 {
		errs = append(errs, fmt.Errorf("pipeline.target_peak %.3f is out of range (0, 1]", cfg.Pipeline.TargetPeak))
	}

	// Analysis
	if cfg.Analysis.BaseURL != "" {
		if err := validateURL(cfg.Analysis.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("analysis.base_url: %w", err))
		}
	} else if len(cfg.Analysis.FallbackURLs) > 0 {
		errs = append(errs, errors.New("analysis.fallback_urls requires analysis.base_url"))
	}
	for i, u := range cfg.Analysis.FallbackURLs {
		if err := validateURL(u); err != nil {
			errs = append(errs, fmt.Errorf("analysis.fallback_urls[%d]: %w", i, err))
		}
	}
	if cfg.Analysis.Timeout < 0 {
		errs = append(errs, fmt.Errorf("analysis.timeout %s must be positive", cfg.Analysis.Timeout))
	}
	if cfg.Analysis.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("analysis.max_failures %d must be positive", cfg.Analysis.MaxFailures))
	}
	if cfg.Analysis.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("analysis.reset_timeout %s must be positive", cfg.Analysis.ResetTimeout))
	}

	// Storage
	if cfg.Storage.Dir == "" && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage: one of dir or postgres_dsn is required"))
	}
	if cfg.Storage.Dir != "" && cfg.Storage.PostgresDSN != "" && cfg.Storage.Dir != DefaultStorageDir {
		slog.Warn("storage.dir is ignored because storage.postgres_dsn is set", "dir", cfg.Storage.Dir)
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
