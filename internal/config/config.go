package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/berfenger/soc2mqtt/internal/profile"
	mb "github.com/berfenger/soc2mqtt/pkg/modbustcp"

	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap/zapcore"
)

const (
	DEFAULT_POLL_INTERVAL_MILLIS = 10000
	MIN_POLL_INTERVAL_MILLIS     = 1000
)

type Config struct {
	LogLevel     zapcore.Level
	Devices      []DeviceConfig `mapstructure:"devices"`
	Modbus       ModbusConfig   `mapstructure:"modbus"`
	MQTT         MQTTConfig     `mapstructure:"mqtt"`
	ProfilesFile string         `mapstructure:"profiles_file"`
	Port         uint           `mapstructure:"port"`
	HttpLog      bool           `mapstructure:"http_log"`
}

type DeviceConfig struct {
	Name    string
	Profile string
	Host    string
	Port    uint
	// UnitId overrides the profile default when set
	UnitId             *uint8 `mapstructure:"unit_id"`
	Driver             string
	PollIntervalMillis uint32 `mapstructure:"poll_interval_millis"`
	// Cron takes precedence over the poll interval
	Cron string
}

type ModbusConfig struct {
	TimeoutMillis  uint32   `mapstructure:"timeout_millis"`
	DeadlineMillis uint32   `mapstructure:"deadline_millis"`
	MaxAttempts    int      `mapstructure:"max_attempts"`
	BackoffMillis  []uint32 `mapstructure:"backoff_millis"`
}

type MQTTConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

// Target is a configured device bound to its resolved profile.
type Target struct {
	Name     string
	Profile  profile.DeviceProfile
	Address  mb.DeviceAddress
	Driver   string
	Interval time.Duration
	Cron     string
}

func (m ModbusConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMillis) * time.Millisecond
}

// Deadline bounds a whole poll of one device.
func (m ModbusConfig) Deadline() time.Duration {
	return time.Duration(m.DeadlineMillis) * time.Millisecond
}

func (m ModbusConfig) RetryPolicy() mb.RetryPolicy {
	backoff := make([]time.Duration, len(m.BackoffMillis))
	for i, b := range m.BackoffMillis {
		backoff[i] = time.Duration(b) * time.Millisecond
	}
	return mb.RetryPolicy{
		MaxAttempts: m.MaxAttempts,
		Backoff:     backoff,
	}
}

func (d DeviceConfig) PollInterval() time.Duration {
	if d.PollIntervalMillis == 0 {
		return DEFAULT_POLL_INTERVAL_MILLIS * time.Millisecond
	}
	return time.Duration(d.PollIntervalMillis) * time.Millisecond
}

func (d DeviceConfig) driver() string {
	if d.Driver == "" {
		return mb.DRIVER_NATIVE
	}
	return strings.ToLower(d.Driver)
}

// Validate checks bounds and fixes names and topics in place.
func (c *Config) Validate() error {
	// check and fix base topic
	baseTopic, err := CheckMQTTTopic(c.MQTT.BaseTopic)
	if err != nil {
		return errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	c.MQTT.BaseTopic = baseTopic

	// check and fix homeassistant discovery topic
	hadBaseTopic, err := CheckMQTTTopic(c.MQTT.HADiscoveryTopic)
	if err != nil {
		return errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores")
	}
	c.MQTT.HADiscoveryTopic = hadBaseTopic

	// check bounds
	if c.Modbus.TimeoutMillis == 0 {
		return errors.New("config param modbus.timeout_millis should be > 0")
	}
	if c.Modbus.MaxAttempts < 1 {
		return errors.New("config param modbus.max_attempts should be >= 1")
	}
	if c.Modbus.DeadlineMillis < c.Modbus.TimeoutMillis {
		return errors.New("config param modbus.deadline_millis should be >= modbus.timeout_millis")
	}
	if len(c.Devices) == 0 {
		return errors.New("no devices configured")
	}

	seen := map[string]bool{}
	for i := range c.Devices {
		d := &c.Devices[i]
		name, err := CheckMQTTTopic(d.Name)
		if err != nil {
			return fmt.Errorf("devices[%d]: invalid name %q. can only contain letters, numbers and underscores", i, d.Name)
		}
		if seen[name] {
			return fmt.Errorf("devices[%d]: duplicated name %q", i, name)
		}
		seen[name] = true
		d.Name = name

		if d.Profile == "" {
			return fmt.Errorf("device %s: profile is required", name)
		}
		if d.Host == "" {
			return fmt.Errorf("device %s: host is required", name)
		}
		if !slices.Contains(mb.Drivers, d.driver()) {
			return fmt.Errorf("device %s: unknown driver %q (known: %s)", name, d.Driver, strings.Join(mb.Drivers, ", "))
		}
		if d.Cron != "" {
			if _, err := quartz.NewCronTrigger(d.Cron); err != nil {
				return fmt.Errorf("device %s: invalid cron expression %q: %w", name, d.Cron, err)
			}
		} else if d.PollInterval() < MIN_POLL_INTERVAL_MILLIS*time.Millisecond {
			return fmt.Errorf("device %s: poll_interval_millis should be >= %d", name, MIN_POLL_INTERVAL_MILLIS)
		}
	}
	return nil
}

// Targets resolves every device profile against registry.
func (c *Config) Targets(registry *profile.Registry) ([]Target, error) {
	targets := make([]Target, 0, len(c.Devices))
	for _, d := range c.Devices {
		p, err := registry.Lookup(d.Profile)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
		addr := mb.DeviceAddress{
			Host:   d.Host,
			Port:   d.Port,
			UnitId: p.UnitId(),
		}
		if addr.Port == 0 {
			addr.Port = mb.DEFAULT_PORT
		}
		if d.UnitId != nil {
			addr.UnitId = *d.UnitId
		}
		targets = append(targets, Target{
			Name:     d.Name,
			Profile:  p,
			Address:  addr,
			Driver:   d.driver(),
			Interval: d.PollInterval(),
			Cron:     d.Cron,
		})
	}
	return targets, nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.MQTT.Username != "" {
		c.MQTT.Username = "*redacted*"
	}
	if c.MQTT.Password != "" {
		c.MQTT.Password = "*redacted*"
	}
	return c
}

func ParseLogLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}
