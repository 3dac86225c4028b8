package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const ENV_PREFIX = "soc2mqtt"

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "warn")
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.ha_discovery_enable", false)
	v.SetDefault("mqtt.base_topic", "soc2mqtt")
	v.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
	v.SetDefault("modbus.timeout_millis", 5000)
	v.SetDefault("modbus.deadline_millis", 30000)
	v.SetDefault("modbus.max_attempts", 3)
	v.SetDefault("modbus.backoff_millis", []uint32{200})
	v.SetDefault("port", 8080)
}

// Load reads the configuration from defaults, an optional YAML file named by
// CONFIG_FILE and SOC2MQTT_* environment variables, then validates it.
func Load(v *viper.Viper) (*Config, error) {

	// alias PORT => SOC2MQTT_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("SOC2MQTT_PORT", port)
	}

	SetDefaults(v)

	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			v.SetConfigFile(cfgFile)

			if err := v.ReadInConfig(); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.LogLevel = ParseLogLevel(v.GetString("log_level"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
