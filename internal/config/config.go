// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
	"tinygo.org/x/bluetooth"
)

// Defaults for the wearable's GATT layout. These are configuration
// constants, not protocol logic; a firmware change means a config change.
const (
	DefaultServiceUUID             = "03d5d5c4-a86c-11ee-9d89-8f2089a49e7e"
	DefaultAudioCharacteristicUUID = "03d5d6ba-a86c-11ee-9d89-8f2089a49e7e"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Device  DeviceConfig  `yaml:"device"`
	Uplink  UplinkConfig  `yaml:"uplink"`
}

// GatewayConfig covers the daemon itself.
type GatewayConfig struct {
	// ListenAddr is the address of the status API. Default ":8737".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of debug, info, warn, error. Default "info".
	LogLevel string `yaml:"log_level"`

	// DBPath is the SQLite file holding capture metadata.
	// Default "kestrel.db".
	DBPath string `yaml:"db_path"`
}

// DeviceConfig identifies the peripheral's audio service.
type DeviceConfig struct {
	// ServiceUUID filters discovery to the wearable's audio service.
	ServiceUUID string `yaml:"service_uuid"`

	// AudioCharacteristicUUID is the notify characteristic carrying packets.
	AudioCharacteristicUUID string `yaml:"audio_characteristic_uuid"`
}

// UplinkConfig points the frame sink at the capture server.
type UplinkConfig struct {
	// BaseURL is the capture server root, e.g. "http://localhost:8000".
	BaseURL string `yaml:"base_url"`

	// Token is the bearer token sent with every upload request.
	Token string `yaml:"token"`

	// DeviceType labels captures on the server. Default "ble_wearable".
	DeviceType string `yaml:"device_type"`
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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
// validates the result. Useful in tests with string-literal configs.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = ":8737"
	}
	if c.Gateway.LogLevel == "" {
		c.Gateway.LogLevel = "info"
	}
	if c.Gateway.DBPath == "" {
		c.Gateway.DBPath = "kestrel.db"
	}
	if c.Device.ServiceUUID == "" {
		c.Device.ServiceUUID = DefaultServiceUUID
	}
	if c.Device.AudioCharacteristicUUID == "" {
		c.Device.AudioCharacteristicUUID = DefaultAudioCharacteristicUUID
	}
	if c.Uplink.DeviceType == "" {
		c.Uplink.DeviceType = "ble_wearable"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if _, err := zapcore.ParseLevel(cfg.Gateway.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("gateway.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Gateway.LogLevel))
	}
	if _, err := bluetooth.ParseUUID(cfg.Device.ServiceUUID); err != nil {
		errs = append(errs, fmt.Errorf("device.service_uuid %q is not a valid UUID", cfg.Device.ServiceUUID))
	}
	if _, err := bluetooth.ParseUUID(cfg.Device.AudioCharacteristicUUID); err != nil {
		errs = append(errs, fmt.Errorf("device.audio_characteristic_uuid %q is not a valid UUID", cfg.Device.AudioCharacteristicUUID))
	}
	if cfg.Uplink.BaseURL == "" {
		errs = append(errs, errors.New("uplink.base_url is required"))
	}

	return errors.Join(errs...)
}
