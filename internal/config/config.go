// Package config provides the configuration schema and loader for the
// voicerec worker.
//
// The configuration file is optional. Every field has a default, applied by
// [ApplyDefaults], that matches a Discord voice session: 48 kHz stereo Opus
// in 20 ms frames.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/MrWong99/voicerec/pkg/audio"
	"github.com/MrWong99/voicerec/pkg/audio/discord"
)

// LogLevel controls log verbosity for the worker.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultReadBuffer   = 4096
	DefaultMaxPending   = 500
	DefaultDecodeQueue  = 512
	DefaultMaxGap       = 5 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Audio    AudioConfig    `yaml:"audio"`
	Decode   DecodeConfig   `yaml:"decode"`
}

// ServerConfig holds logging and observability settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., "127.0.0.1:9464"). Empty disables the HTTP listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ReceiverConfig tunes the datagram receive loop.
type ReceiverConfig struct {
	// PollInterval bounds each blocking read (e.g., "10ms").
	PollInterval time.Duration `yaml:"poll_interval"`

	// ReadBuffer is the size of the datagram buffer in bytes.
	ReadBuffer int `yaml:"read_buffer"`

	// MaxPending caps the frames held per unmapped SSRC.
	MaxPending int `yaml:"max_pending"`

	// DecodeQueue bounds the packet queue of the decode subsystem.
	DecodeQueue int `yaml:"decode_queue"`

	// MaxGap is the longest RTP gap filled with silence. A longer forward
	// jump re-anchors the speaker's timestamp instead (e.g., "5s").
	MaxGap time.Duration `yaml:"max_gap"`
}

// AudioConfig describes the decoded PCM format.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// FrameSize is the number of RTP timestamp ticks per Opus frame.
	FrameSize int `yaml:"frame_size"`
}

// DecodeConfig configures payload decryption.
type DecodeConfig struct {
	// Mode is the negotiated encryption mode. Default: plain.
	Mode discord.Mode `yaml:"mode"`

	// SecretKey is the 32-byte session key, hex encoded. Required for every
	// mode except plain.
	SecretKey string `yaml:"secret_key"`
}

// Key decodes SecretKey. An empty key yields the zero key.
func (d DecodeConfig) Key() ([32]byte, error) {
	var key [32]byte
	if d.SecretKey == "" {
		return key, nil
	}
	raw, err := hex.DecodeString(d.SecretKey)
	if err != nil {
		return key, fmt.Errorf("decode.secret_key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("decode.secret_key: got %d bytes, want %d", len(raw), len(key))
	}
	copy(key[:], raw)
	return key, nil
}

// ApplyDefaults fills every zero field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Receiver.PollInterval == 0 {
		cfg.Receiver.PollInterval = DefaultPollInterval
	}
	if cfg.Receiver.ReadBuffer == 0 {
		cfg.Receiver.ReadBuffer = DefaultReadBuffer
	}
	if cfg.Receiver.MaxPending == 0 {
		cfg.Receiver.MaxPending = DefaultMaxPending
	}
	if cfg.Receiver.DecodeQueue == 0 {
		cfg.Receiver.DecodeQueue = DefaultDecodeQueue
	}
	if cfg.Receiver.MaxGap == 0 {
		cfg.Receiver.MaxGap = DefaultMaxGap
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = audio.DefaultChannels
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = audio.DefaultFrameSize
	}
	if cfg.Decode.Mode == "" {
		cfg.Decode.Mode = discord.ModePlain
	}
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
