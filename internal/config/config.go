// Package config loads vnasweep settings from an optional YAML file and
// VNA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rjboer/GoVNA/internal/device"
	"github.com/rjboer/GoVNA/internal/logging"
	"github.com/rjboer/GoVNA/vna"
)

// EnvPrefix is prepended to every environment override, e.g.
// VNA_SWEEP_POINTS or VNA_DEVICE_PATH.
const EnvPrefix = "VNA"

// Config holds all configuration for the command.
type Config struct {
	Device      DeviceConfig      `mapstructure:"device" yaml:"device"`
	Sweep       SweepConfig       `mapstructure:"sweep" yaml:"sweep"`
	Calibration CalibrationConfig `mapstructure:"calibration" yaml:"calibration"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// DeviceConfig selects and reaches the analyzer.
type DeviceConfig struct {
	// Path is a serial port, tcp://host:port, ssh://user@host/dev/tty… or
	// mock://. Empty selects the first discovered device.
	Path      string        `mapstructure:"path" yaml:"path"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BaudRate  uint          `mapstructure:"baud_rate" yaml:"baud_rate"`
	Discovery time.Duration `mapstructure:"discovery" yaml:"discovery"`
	SSH       SSHConfig     `mapstructure:"ssh" yaml:"ssh"`
}

// SSHConfig holds credentials for ssh:// device paths.
type SSHConfig struct {
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	KeyPath  string `mapstructure:"key_path" yaml:"key_path"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Command  string `mapstructure:"command" yaml:"command"`
}

// SweepConfig is the sweep as an operator describes it: start and stop
// rather than start and step.
type SweepConfig struct {
	StartHz          float64 `mapstructure:"start_hz" yaml:"start_hz"`
	StopHz           float64 `mapstructure:"stop_hz" yaml:"stop_hz"`
	Points           int     `mapstructure:"points" yaml:"points"`
	Average          int     `mapstructure:"average" yaml:"average"`
	Settle           int     `mapstructure:"settle" yaml:"settle"`
	DisableReference bool    `mapstructure:"disable_reference" yaml:"disable_reference"`
	ForceTR          bool    `mapstructure:"force_tr" yaml:"force_tr"`
	SwapPorts        bool    `mapstructure:"swap_ports" yaml:"swap_ports"`
	Att1             int     `mapstructure:"att1" yaml:"att1"`
	Att2             int     `mapstructure:"att2" yaml:"att2"`
}

// CalibrationConfig locates stored calibrations. Paths ending in .db,
// .sqlite or .sqlite3 are calibration libraries.
type CalibrationConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// Load applies the stored calibration after opening the device.
	Load bool `mapstructure:"load" yaml:"load"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	d := vna.DefaultSweepConfig()
	return Config{
		Device: DeviceConfig{
			Timeout:   device.DefaultTimeout,
			BaudRate:  device.DefaultBaudRate,
			Discovery: device.DefaultDiscovery,
			SSH: SSHConfig{
				User:    "root",
				Port:    22,
				Command: device.DefaultRemoteCommand,
			},
		},
		Sweep: SweepConfig{
			StartHz: d.StartHz,
			StopHz:  d.StopHz(),
			Points:  d.Points,
			Average: d.Average,
			Settle:  d.Settle,
			Att1:    d.Att1,
			Att2:    d.Att2,
		},
		Calibration: CalibrationConfig{Path: "calibration.json"},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("device.path", c.Device.Path)
	v.SetDefault("device.timeout", c.Device.Timeout)
	v.SetDefault("device.baud_rate", c.Device.BaudRate)
	v.SetDefault("device.discovery", c.Device.Discovery)
	v.SetDefault("device.ssh.user", c.Device.SSH.User)
	v.SetDefault("device.ssh.password", c.Device.SSH.Password)
	v.SetDefault("device.ssh.key_path", c.Device.SSH.KeyPath)
	v.SetDefault("device.ssh.port", c.Device.SSH.Port)
	v.SetDefault("device.ssh.command", c.Device.SSH.Command)

	v.SetDefault("sweep.start_hz", c.Sweep.StartHz)
	v.SetDefault("sweep.stop_hz", c.Sweep.StopHz)
	v.SetDefault("sweep.points", c.Sweep.Points)
	v.SetDefault("sweep.average", c.Sweep.Average)
	v.SetDefault("sweep.settle", c.Sweep.Settle)
	v.SetDefault("sweep.disable_reference", c.Sweep.DisableReference)
	v.SetDefault("sweep.force_tr", c.Sweep.ForceTR)
	v.SetDefault("sweep.swap_ports", c.Sweep.SwapPorts)
	v.SetDefault("sweep.att1", c.Sweep.Att1)
	v.SetDefault("sweep.att2", c.Sweep.Att2)

	v.SetDefault("calibration.path", c.Calibration.Path)
	v.SetDefault("calibration.load", c.Calibration.Load)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
}

// Load reads path (if not empty) and applies environment overrides. A
// missing file is an error only when path was given explicitly.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the sweep and logging settings.
func (c Config) Validate() error {
	if _, err := c.Sweep.SweepConfig(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return err
	}
	return nil
}

// Save writes cfg as YAML, creating parent directories.
func Save(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SweepConfig converts to the analyzer's start/step representation.
func (s SweepConfig) SweepConfig() (vna.SweepConfig, error) {
	if s.StopHz < s.StartHz {
		return vna.SweepConfig{}, fmt.Errorf("%w: stop %v below start %v", vna.ErrInvalidSweepParameters, s.StopHz, s.StartHz)
	}
	cfg := vna.SweepConfig{
		StartHz:          s.StartHz,
		StepHz:           vna.StepFor(s.StartHz, s.StopHz, s.Points),
		Points:           s.Points,
		Average:          s.Average,
		Settle:           s.Settle,
		DisableReference: s.DisableReference,
		ForceTR:          s.ForceTR,
		SwapPorts:        s.SwapPorts,
		Att1:             s.Att1,
		Att2:             s.Att2,
	}
	if err := cfg.Validate(); err != nil {
		return vna.SweepConfig{}, err
	}
	return cfg, nil
}

// Options builds the device options.
func (d DeviceConfig) Options(logger logging.Logger) device.Options {
	return device.Options{
		Logger:    logger,
		Timeout:   d.Timeout,
		BaudRate:  d.BaudRate,
		Discovery: d.Discovery,
		SSH: device.SSHConfig{
			User:     d.SSH.User,
			Password: d.SSH.Password,
			KeyPath:  d.SSH.KeyPath,
			Port:     d.SSH.Port,
			Command:  d.SSH.Command,
		},
	}
}

// Logger builds a logger writing to out.
func (l LogConfig) Logger(out io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, out), nil
}

// IsNotExist reports whether err comes from a missing config file.
func IsNotExist(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || errors.Is(err, os.ErrNotExist)
}
