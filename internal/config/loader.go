package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicerec/pkg/audio/discord"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. Zero values
// are accepted where a default exists.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Receiver
	if cfg.Receiver.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("receiver.poll_interval %s must not be negative", cfg.Receiver.PollInterval))
	}
	if cfg.Receiver.PollInterval > 0 && cfg.Receiver.PollInterval < DefaultPollInterval/10 {
		slog.Warn("receiver.poll_interval is very short; the receive loop will spin", "poll_interval", cfg.Receiver.PollInterval)
	}
	if cfg.Receiver.ReadBuffer < 0 || (cfg.Receiver.ReadBuffer > 0 && cfg.Receiver.ReadBuffer < 12) {
		errs = append(errs, fmt.Errorf("receiver.read_buffer %d must hold at least an RTP header (12 bytes)", cfg.Receiver.ReadBuffer))
	}
	if cfg.Receiver.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("receiver.max_pending %d must not be negative", cfg.Receiver.MaxPending))
	}
	if cfg.Receiver.DecodeQueue < 0 {
		errs = append(errs, fmt.Errorf("receiver.decode_queue %d must not be negative", cfg.Receiver.DecodeQueue))
	}
	if cfg.Receiver.MaxGap < 0 {
		errs = append(errs, fmt.Errorf("receiver.max_gap %s must not be negative", cfg.Receiver.MaxGap))
	}

	// Audio
	switch cfg.Audio.SampleRate {
	case 0, 8000, 12000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; Opus supports 8000, 12000, 16000, 24000, 48000", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}

	// Decode
	if cfg.Decode.Mode != "" && !cfg.Decode.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("decode.mode %q is invalid; valid values: xsalsa20_poly1305, xsalsa20_poly1305_suffix, xsalsa20_poly1305_lite, plain", cfg.Decode.Mode))
	}
	if _, err := cfg.Decode.Key(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Decode.Mode != "" && cfg.Decode.Mode != discord.ModePlain && cfg.Decode.SecretKey == "" {
		errs = append(errs, fmt.Errorf("decode.secret_key is required when decode.mode is %q", cfg.Decode.Mode))
	}

	return errors.Join(errs...)
}
