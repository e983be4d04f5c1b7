package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"evolve-car-go/internal/types"
)

const envPrefix = "EVOLVE_CAPTURE_"

type AppConfig struct {
	Host    string
	Port    int
	Timeout time.Duration

	OutputDir        string
	VehicleBlueprint string
	Camera           types.CameraSettings
	IdleInterval     time.Duration
	TeardownTimeout  time.Duration
	PNGCompression   string
	Seed             int64

	RigPath string
	Rig     []types.SensorSpec

	Debug            bool
	DebugTickRate    float64
	DebugSpawnPoints int

	StatusPort     int
	IndexPath      string
	RawLogEnabled  bool
	RawLogDir      string
	StreamLogEvery int
	QueueSize      int

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when no flag or variable is set.
func Default() AppConfig {
	return AppConfig{
		Host:             "localhost",
		Port:             2000,
		Timeout:          10 * time.Second,
		OutputDir:        "multi_cameras",
		VehicleBlueprint: "vehicle.tesla.model3",
		Camera: types.CameraSettings{
			Blueprint: "sensor.camera.rgb",
			Width:     800,
			Height:    600,
			FOV:       90,
		},
		IdleInterval:     50 * time.Millisecond,
		TeardownTimeout:  10 * time.Second,
		PNGCompression:   "speed",
		DebugTickRate:    20,
		DebugSpawnPoints: 16,
		RawLogDir:        "rawlog",
		StreamLogEvery:   100,
		QueueSize:        8,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// RegisterFlags binds every field of cfg to fs. Current values of cfg are
// used as flag defaults.
func RegisterFlags(fs *pflag.FlagSet, cfg *AppConfig) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Simulator host")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Simulator control port")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Simulator connect and request timeout")
	fs.StringVarP(&cfg.OutputDir, "output-dir", "o", cfg.OutputDir, "Root directory for per-camera frame folders")
	fs.StringVar(&cfg.VehicleBlueprint, "vehicle", cfg.VehicleBlueprint, "Vehicle blueprint to spawn")
	fs.StringVar(&cfg.Camera.Blueprint, "camera-blueprint", cfg.Camera.Blueprint, "Camera blueprint")
	fs.IntVar(&cfg.Camera.Width, "image-width", cfg.Camera.Width, "Camera image width")
	fs.IntVar(&cfg.Camera.Height, "image-height", cfg.Camera.Height, "Camera image height")
	fs.Float64Var(&cfg.Camera.FOV, "fov", cfg.Camera.FOV, "Camera horizontal field of view in degrees")
	fs.DurationVar(&cfg.IdleInterval, "idle", cfg.IdleInterval, "Idle time after each simulation step")
	fs.DurationVar(&cfg.TeardownTimeout, "teardown-timeout", cfg.TeardownTimeout, "Time allowed for destroying actors on exit")
	fs.StringVar(&cfg.PNGCompression, "png-compression", cfg.PNGCompression, "PNG compression level (default, speed, best, none)")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Seed for spawn placement choice (0 picks a random seed)")
	fs.StringVar(&cfg.RigPath, "rig", cfg.RigPath, "HCL file describing the camera rig (default: built-in six cameras)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Run against the in-process simulated world")
	fs.Float64Var(&cfg.DebugTickRate, "debug-tick-rate", cfg.DebugTickRate, "Simulated world ticks per second")
	fs.IntVar(&cfg.DebugSpawnPoints, "debug-spawn-points", cfg.DebugSpawnPoints, "Spawn points in the simulated world")
	fs.IntVar(&cfg.StatusPort, "status-port", cfg.StatusPort, "HTTP port for the status server (0 disables)")
	fs.StringVar(&cfg.IndexPath, "index", cfg.IndexPath, "SQLite frame index path (empty disables)")
	fs.BoolVar(&cfg.RawLogEnabled, "raw-log", cfg.RawLogEnabled, "Record delivered frames to a raw log")
	fs.StringVar(&cfg.RawLogDir, "raw-log-dir", cfg.RawLogDir, "Directory for raw frame logs")
	fs.IntVar(&cfg.StreamLogEvery, "stream-log-every", cfg.StreamLogEvery, "Log every Nth stream error")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Per-camera delivery queue length")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, text)")
}

// ApplyEnv overrides cfg with EVOLVE_CAPTURE_* environment variables.
func ApplyEnv(cfg *AppConfig) error {
	var err error
	cfg.Host = getEnv("HOST", cfg.Host)
	if cfg.Port, err = getEnvInt("PORT", cfg.Port); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	if cfg.Timeout, err = getEnvDuration("TIMEOUT", cfg.Timeout); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	cfg.OutputDir = getEnv("OUTPUT_DIR", cfg.OutputDir)
	cfg.VehicleBlueprint = getEnv("VEHICLE", cfg.VehicleBlueprint)
	cfg.Camera.Blueprint = getEnv("CAMERA_BLUEPRINT", cfg.Camera.Blueprint)
	if cfg.Camera.Width, err = getEnvInt("IMAGE_WIDTH", cfg.Camera.Width); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	if cfg.Camera.Height, err = getEnvInt("IMAGE_HEIGHT", cfg.Camera.Height); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	if cfg.Camera.FOV, err = getEnvFloat("FOV", cfg.Camera.FOV); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	if cfg.IdleInterval, err = getEnvDuration("IDLE", cfg.IdleInterval); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	if cfg.TeardownTimeout, err = getEnvDuration("TEARDOWN_TIMEOUT", cfg.TeardownTimeout); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	cfg.PNGCompression = getEnv("PNG_COMPRESSION", cfg.PNGCompression)
	if cfg.Seed, err = getEnvInt64("SEED", cfg.Seed); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	cfg.RigPath = getEnv("RIG", cfg.RigPath)
	if cfg.Debug, err = getEnvBool("DEBUG", cfg.Debug); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	if cfg.DebugTickRate, err = getEnvFloat("DEBUG_TICK_RATE", cfg.DebugTickRate); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	if cfg.DebugSpawnPoints, err = getEnvInt("DEBUG_SPAWN_POINTS", cfg.DebugSpawnPoints); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	if cfg.StatusPort, err = getEnvInt("STATUS_PORT", cfg.StatusPort); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	cfg.IndexPath = getEnv("INDEX", cfg.IndexPath)
	if cfg.RawLogEnabled, err = getEnvBool("RAW_LOG", cfg.RawLogEnabled); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	cfg.RawLogDir = getEnv("RAW_LOG_DIR", cfg.RawLogDir)
	if cfg.StreamLogEvery, err = getEnvInt("STREAM_LOG_EVERY", cfg.StreamLogEvery); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	if cfg.QueueSize, err = getEnvInt("QUEUE_SIZE", cfg.QueueSize); err != nil {
		return fmt.Errorf("config.ApplyEnv: %w", err)
	}
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	return nil
}

// Validate checks ranges and loads the rig if it is not set yet.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output dir is required"))
	}
	if c.Camera.Width < 1 || c.Camera.Height < 1 {
		errs = append(errs, fmt.Errorf("invalid image size %dx%d", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.FOV <= 0 || c.Camera.FOV >= 180 {
		errs = append(errs, fmt.Errorf("fov %g out of range", c.Camera.FOV))
	}
	if c.IdleInterval < 0 {
		errs = append(errs, fmt.Errorf("idle interval must not be negative, got %s", c.IdleInterval))
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		errs = append(errs, fmt.Errorf("status port %d out of range", c.StatusPort))
	}
	if c.Debug && c.DebugTickRate <= 0 {
		errs = append(errs, fmt.Errorf("debug tick rate must be positive, got %g", c.DebugTickRate))
	}
	if c.StreamLogEvery < 1 {
		c.StreamLogEvery = 1
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if len(c.Rig) == 0 {
		if c.RigPath == "" {
			c.Rig = DefaultRig()
		} else {
			rig, err := LoadRig(c.RigPath)
			if err != nil {
				return err
			}
			c.Rig = rig
		}
	}
	return ValidateRig(c.Rig)
}

// Tags returns the rig tags in order.
func (c *AppConfig) Tags() []string {
	tags := make([]string, 0, len(c.Rig))
	for _, spec := range c.Rig {
		tags = append(tags, spec.Tag)
	}
	return tags
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return d, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return b, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return f, nil
}
