package util

import (
	"github.com/berfenger/soc2mqtt/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Devices: []config.DeviceConfig{
			{
				Name:               "battery",
				Profile:            "foxess",
				Host:               "127.0.0.1",
				PollIntervalMillis: 5000,
			},
		},
		Modbus: config.ModbusConfig{
			TimeoutMillis:  500,
			DeadlineMillis: 3000,
			MaxAttempts:    2,
			BackoffMillis:  []uint32{50},
		},
		MQTT: config.MQTTConfig{
			Host:             "localhost",
			Port:             1883,
			BaseTopic:        "soc2mqtt",
			HADiscoveryTopic: "homeassistant",
		},
		Port: 8080,
	}
}
