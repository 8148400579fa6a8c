package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Track table, played in order
	Tracks []string `yaml:"tracks"`

	Output   OutputConfig   `yaml:"output"`
	Playback PlaybackConfig `yaml:"playback"`
	Buffer   BufferConfig   `yaml:"buffer"`
	Shm      ShmConfig      `yaml:"shm"`
	Control  ControlConfig  `yaml:"control"`

	// Cache settings for imported (non-WAV) tracks
	Cache CacheConfig `yaml:"cache"`

	Log LogConfig `yaml:"log"`
}

// OutputConfig describes the hardware sink
type OutputConfig struct {
	// Device is one of memfifo, regmap or speaker
	Device     string `yaml:"device"`
	SampleRate int    `yaml:"sample_rate"`
	FIFODepth  int    `yaml:"fifo_depth"`

	// RegisterFile is the mmap-able register window used by the regmap device
	RegisterFile   string `yaml:"register_file,omitempty"`
	RegisterOffset int64  `yaml:"register_offset,omitempty"`
}

// PlaybackConfig represents playback settings
type PlaybackConfig struct {
	Tick           time.Duration `yaml:"tick"`
	DisplayTick    time.Duration `yaml:"display_tick"`
	Budget         int           `yaml:"budget"`
	Attenuation    int           `yaml:"attenuation"`
	Debounce       time.Duration `yaml:"debounce"`
	StartWait      time.Duration `yaml:"start_wait"`
	EndOfTrack     EndPolicy     `yaml:"end_of_track"`
	Scheduler      SchedulerMode `yaml:"scheduler"`
	HeartbeatCheck time.Duration `yaml:"heartbeat_check"`
}

// BufferConfig sizes the double buffer
type BufferConfig struct {
	SlotSize int `yaml:"slot_size"`
	// Threshold is the consumed fraction of the active slot that triggers a refill
	Threshold float64 `yaml:"threshold"`
}

// ShmConfig describes the shared region between the loader and the player
type ShmConfig struct {
	Path            string        `yaml:"path"`
	Size            int           `yaml:"size"`
	ControlOffset   int           `yaml:"control_offset"`
	DataOffset      int           `yaml:"data_offset"`
	ChunkSize       int           `yaml:"chunk_size"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	StallTimeout    time.Duration `yaml:"stall_timeout"`
	PollPeriod      time.Duration `yaml:"poll_period"`
}

// ControlConfig describes the control surfaces
type ControlConfig struct {
	MPDAddr  string `yaml:"mpd_addr"`
	Keyboard bool   `yaml:"keyboard"`
}

// CacheConfig represents cache settings
type CacheConfig struct {
	Directory string `yaml:"directory"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// LogConfig represents logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// EndPolicy selects what happens when a track's data is exhausted
type EndPolicy string

const (
	EndLoop    EndPolicy = "loop"
	EndAdvance EndPolicy = "advance"
	EndStop    EndPolicy = "stop"
)

// SchedulerMode selects the concurrency shape of the pipeline
type SchedulerMode string

const (
	SchedCooperative SchedulerMode = "cooperative"
	SchedConcurrent  SchedulerMode = "concurrent"
)

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Tracks: []string{},
		Output: OutputConfig{
			Device:     "memfifo",
			SampleRate: 48000,
			FIFODepth:  128,
		},
		Playback: PlaybackConfig{
			Tick:           200 * time.Microsecond,
			DisplayTick:    time.Second,
			Budget:         10,
			Attenuation:    4,
			Debounce:       200 * time.Millisecond,
			StartWait:      100 * time.Millisecond,
			EndOfTrack:     EndAdvance,
			Scheduler:      SchedConcurrent,
			HeartbeatCheck: 500 * time.Millisecond,
		},
		Buffer: BufferConfig{
			SlotSize:  8192,
			Threshold: 0.5,
		},
		Shm: ShmConfig{
			Path:            "/dev/shm/fifoplayd",
			Size:            128 * 1024,
			ControlOffset:   0x0000,
			DataOffset:      0x2000,
			ChunkSize:       120 * 1024,
			HeartbeatPeriod: 100 * time.Millisecond,
			StallTimeout:    2 * time.Second,
			PollPeriod:      50 * time.Millisecond,
		},
		Control: ControlConfig{
			MPDAddr:  "localhost:6600",
			Keyboard: false,
		},
		Cache: CacheConfig{
			Directory: "/tmp/fifoplayd-cache",
			MaxSizeMB: 512,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// If file doesn't exist, return default config
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal over the defaults so partial files keep sane values
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

// SaveConfig saves configuration to file
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Output.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("output.sample_rate must be positive, got %d", c.Output.SampleRate))
	}
	switch c.Output.Device {
	case "memfifo", "regmap", "speaker":
	default:
		errs = append(errs, fmt.Errorf("unknown output.device %q", c.Output.Device))
	}
	if c.Output.Device == "regmap" && c.Output.RegisterFile == "" {
		errs = append(errs, errors.New("output.register_file is required for the regmap device"))
	}
	if c.Output.FIFODepth <= 0 {
		errs = append(errs, fmt.Errorf("output.fifo_depth must be positive, got %d", c.Output.FIFODepth))
	}

	if c.Playback.Tick <= 0 || c.Playback.DisplayTick <= 0 {
		errs = append(errs, errors.New("playback ticks must be positive"))
	}
	if c.Playback.Budget <= 0 {
		errs = append(errs, fmt.Errorf("playback.budget must be positive, got %d", c.Playback.Budget))
	}
	if c.Playback.Attenuation <= 0 {
		errs = append(errs, fmt.Errorf("playback.attenuation must be positive, got %d", c.Playback.Attenuation))
	}
	switch c.Playback.EndOfTrack {
	case EndLoop, EndAdvance, EndStop:
	default:
		errs = append(errs, fmt.Errorf("unknown playback.end_of_track %q", c.Playback.EndOfTrack))
	}
	switch c.Playback.Scheduler {
	case SchedCooperative, SchedConcurrent:
	default:
		errs = append(errs, fmt.Errorf("unknown playback.scheduler %q", c.Playback.Scheduler))
	}

	if c.Buffer.SlotSize < 4 {
		errs = append(errs, fmt.Errorf("buffer.slot_size too small: %d", c.Buffer.SlotSize))
	}
	if c.Buffer.Threshold <= 0 || c.Buffer.Threshold > 1 {
		errs = append(errs, fmt.Errorf("buffer.threshold must be in (0,1], got %v", c.Buffer.Threshold))
	}

	if c.Shm.DataOffset <= c.Shm.ControlOffset || c.Shm.DataOffset >= c.Shm.Size {
		errs = append(errs, fmt.Errorf("shm offsets out of order: control=%#x data=%#x size=%d",
			c.Shm.ControlOffset, c.Shm.DataOffset, c.Shm.Size))
	} else if c.Shm.ChunkSize <= 0 || c.Shm.DataOffset+c.Shm.ChunkSize > c.Shm.Size {
		errs = append(errs, fmt.Errorf("shm.chunk_size %d does not fit after data offset %#x", c.Shm.ChunkSize, c.Shm.DataOffset))
	}

	return errors.Join(errs...)
}

// MaxCacheBytes returns the cache size limit in bytes
func (c *Config) MaxCacheBytes() int64 {
	return int64(c.Cache.MaxSizeMB) * 1024 * 1024
}
