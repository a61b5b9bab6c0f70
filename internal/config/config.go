// Package config loads the runtime configuration from environment
// variables, applying the documented defaults. A .env file in the
// working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Defaults per the external configuration contract.
const (
	DefaultHAHost       = "homeassistant.local"
	DefaultHAPort       = 8123
	DefaultMQTTHost     = "localhost"
	DefaultMQTTPort     = 1883
	DefaultMQTTClientID = "mirai"
	DefaultTimezone     = "Europe/Prague"
	DefaultDataDir      = "./data"
)

// Config is the resolved runtime configuration.
type Config struct {
	HAHost  string
	HAPort  int
	HAToken string

	MQTTHost     string
	MQTTPort     int
	MQTTClientID string

	Timezone  *time.Location
	Latitude  *float64
	Longitude *float64

	DataDir string
	Debug   bool
}

// FromEnv reads the environment. It fails when HA_TOKEN is missing so
// the process exits non-zero at init instead of limping along
// unauthenticated. A bad timezone logs a warning and falls back to UTC.
func FromEnv(logger *zap.Logger) (*Config, error) {
	cfg := &Config{
		HAHost:       getenv("HA_HOST", DefaultHAHost),
		HAToken:      os.Getenv("HA_TOKEN"),
		MQTTHost:     getenv("MQTT_HOST", DefaultMQTTHost),
		MQTTClientID: getenv("MQTT_CLIENT_ID", DefaultMQTTClientID),
		DataDir:      getenv("MIRAI_DATA_DIR", DefaultDataDir),
		Debug:        os.Getenv("MIRAI_DEBUG") == "true",
	}

	if cfg.HAToken == "" {
		return nil, fmt.Errorf("HA_TOKEN environment variable must be set")
	}

	var err error
	if cfg.HAPort, err = getenvInt("HA_PORT", DefaultHAPort); err != nil {
		return nil, err
	}
	if cfg.MQTTPort, err = getenvInt("MQTT_PORT", DefaultMQTTPort); err != nil {
		return nil, err
	}

	tzName := getenv("MIRAI_TIMEZONE", DefaultTimezone)
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		logger.Warn("unresolvable timezone, falling back to UTC",
			zap.String("timezone", tzName),
			zap.Error(err))
		tz = time.UTC
	}
	cfg.Timezone = tz

	cfg.Latitude = getenvFloat(logger, "MIRAI_LATITUDE")
	cfg.Longitude = getenvFloat(logger, "MIRAI_LONGITUDE")

	return cfg, nil
}

// HAWebSocketURL is the control-channel endpoint.
func (c *Config) HAWebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d/api/websocket", c.HAHost, c.HAPort)
}

// HARestURL is the REST base used by the state bootstrap.
func (c *Config) HARestURL() string {
	return fmt.Sprintf("http://%s:%d", c.HAHost, c.HAPort)
}

// MQTTBrokerURL is the broker endpoint.
func (c *Config) MQTTBrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTHost, c.MQTTPort)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getenvFloat(logger *zap.Logger, key string) *float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn("invalid coordinate, ignoring",
			zap.String("var", key),
			zap.String("value", v))
		return nil
	}
	return &f
}
