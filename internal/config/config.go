// Package config loads the settings of the vexsim tool from defaults, a config file, the environment,
// and command line flags, in increasing order of precedence
package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vkngwrapper/arsenal/vex"
	"golang.org/x/exp/slog"
)

// Config represents the simulator configuration
type Config struct {
	Device   DeviceConfig   `mapstructure:"device"`
	Workload WorkloadConfig `mapstructure:"workload"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type DeviceConfig struct {
	ResidencyBudget        int  `mapstructure:"residency_budget"`
	ViewRingSize           int  `mapstructure:"view_ring_size"`
	SamplerRingSize        int  `mapstructure:"sampler_ring_size"`
	MaxViewDescriptors     int  `mapstructure:"max_view_descriptors"`
	MaxSamplerDescriptors  int  `mapstructure:"max_sampler_descriptors"`
	StagingHeapSize        int  `mapstructure:"staging_heap_size"`
	MaxCommandAllocators   int  `mapstructure:"max_command_allocators"`
	ExternallySynchronized bool `mapstructure:"externally_synchronized"`
}

type WorkloadConfig struct {
	Frames              int   `mapstructure:"frames"`
	FramesInFlight      int   `mapstructure:"frames_in_flight"`
	Buffers             int   `mapstructure:"buffers"`
	BufferSize          int   `mapstructure:"buffer_size"`
	Textures            int   `mapstructure:"textures"`
	TextureExtent       int   `mapstructure:"texture_extent"`
	DrawsPerFrame       int   `mapstructure:"draws_per_frame"`
	DescriptorsPerDraw  int   `mapstructure:"descriptors_per_draw"`
	RecreateEveryFrames int   `mapstructure:"recreate_every_frames"`
	Seed                int64 `mapstructure:"seed"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Detailed bool   `mapstructure:"detailed"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ResidencyBudget:       64 * 1024 * 1024,
			ViewRingSize:          4096,
			SamplerRingSize:       256,
			MaxViewDescriptors:    64,
			MaxSamplerDescriptors: 16,
			StagingHeapSize:       1024,
			MaxCommandAllocators:  16,
		},
		Workload: WorkloadConfig{
			Frames:              120,
			FramesInFlight:      3,
			Buffers:             32,
			BufferSize:          256 * 1024,
			Textures:            16,
			TextureExtent:       256,
			DrawsPerFrame:       8,
			DescriptorsPerDraw:  6,
			RecreateEveryFrames: 10,
			Seed:                42,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// flagKeys maps command line flag names to the configuration keys they override
var flagKeys = map[string]string{
	"budget":         "device.residency_budget",
	"frames":         "workload.frames",
	"in-flight":      "workload.frames_in_flight",
	"seed":           "workload.seed",
	"log-level":      "logging.level",
	"detailed-stats": "logging.detailed",
}

// Load loads configuration from file, environment, and defaults. Any flags in flags that were set on
// the command line take precedence over everything else.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("vexsim")
	}

	v.SetEnvPrefix("VEXSIM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, errors.Wrapf(err, "binding flag %s", name)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Device.ResidencyBudget < 0 {
		return errors.New("device.residency_budget may not be negative")
	}
	if c.Device.ViewRingSize < 0 || c.Device.SamplerRingSize < 0 {
		return errors.New("descriptor ring sizes may not be negative")
	}
	if c.Device.MaxCommandAllocators < 0 {
		return errors.New("device.max_command_allocators may not be negative")
	}

	if c.Workload.Frames < 1 {
		return errors.New("workload.frames must be at least 1")
	}
	if c.Workload.FramesInFlight < 1 {
		return errors.New("workload.frames_in_flight must be at least 1")
	}
	if c.Workload.Buffers < 1 || c.Workload.BufferSize < 1 {
		return errors.New("the workload needs at least one buffer of at least one byte")
	}
	if c.Workload.Textures < 0 || (c.Workload.Textures > 0 && c.Workload.TextureExtent < 1) {
		return errors.New("workload.texture_extent must be at least 1 when textures are used")
	}
	if c.Workload.DrawsPerFrame < 1 {
		return errors.New("workload.draws_per_frame must be at least 1")
	}
	if c.Workload.DescriptorsPerDraw < 0 || c.Workload.DescriptorsPerDraw > c.Device.MaxViewDescriptors {
		return errors.Newf("workload.descriptors_per_draw must be between 0 and device.max_view_descriptors (%d)", c.Device.MaxViewDescriptors)
	}

	if _, ok := levels[strings.ToLower(c.Logging.Level)]; !ok {
		return errors.Newf("logging.level must be one of debug, info, warn, or error, but was %q", c.Logging.Level)
	}

	return nil
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Logger builds the logger described by the logging section
func (c *Config) Logger() *slog.Logger {
	level, ok := levels[strings.ToLower(c.Logging.Level)]
	if !ok {
		level = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// CreateOptions converts the device section into options for vex.New
func (c *Config) CreateOptions() vex.CreateOptions {
	var flags vex.CreateFlags
	if c.Device.ExternallySynchronized {
		flags |= vex.DeviceCreateExternallySynchronized
	}

	return vex.CreateOptions{
		Flags:                             flags,
		ResidencyBudget:                   c.Device.ResidencyBudget,
		ViewRingSize:                      c.Device.ViewRingSize,
		SamplerRingSize:                   c.Device.SamplerRingSize,
		MaxViewDescriptorsPerBindGroup:    c.Device.MaxViewDescriptors,
		MaxSamplerDescriptorsPerBindGroup: c.Device.MaxSamplerDescriptors,
		StagingHeapSize:                   c.Device.StagingHeapSize,
		MaxCommandAllocators:              c.Device.MaxCommandAllocators,
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("device.residency_budget", cfg.Device.ResidencyBudget)
	v.SetDefault("device.view_ring_size", cfg.Device.ViewRingSize)
	v.SetDefault("device.sampler_ring_size", cfg.Device.SamplerRingSize)
	v.SetDefault("device.max_view_descriptors", cfg.Device.MaxViewDescriptors)
	v.SetDefault("device.max_sampler_descriptors", cfg.Device.MaxSamplerDescriptors)
	v.SetDefault("device.staging_heap_size", cfg.Device.StagingHeapSize)
	v.SetDefault("device.max_command_allocators", cfg.Device.MaxCommandAllocators)
	v.SetDefault("device.externally_synchronized", cfg.Device.ExternallySynchronized)

	v.SetDefault("workload.frames", cfg.Workload.Frames)
	v.SetDefault("workload.frames_in_flight", cfg.Workload.FramesInFlight)
	v.SetDefault("workload.buffers", cfg.Workload.Buffers)
	v.SetDefault("workload.buffer_size", cfg.Workload.BufferSize)
	v.SetDefault("workload.textures", cfg.Workload.Textures)
	v.SetDefault("workload.texture_extent", cfg.Workload.TextureExtent)
	v.SetDefault("workload.draws_per_frame", cfg.Workload.DrawsPerFrame)
	v.SetDefault("workload.descriptors_per_draw", cfg.Workload.DescriptorsPerDraw)
	v.SetDefault("workload.recreate_every_frames", cfg.Workload.RecreateEveryFrames)
	v.SetDefault("workload.seed", cfg.Workload.Seed)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.detailed", cfg.Logging.Detailed)
}
