package config_test

import (
	"strings"
	"testing"

	"github.com/kestrelaudio/kestrel/internal/config"
)

const validYAML = `
gateway:
  listen_addr: ":9000"
  log_level: debug
  db_path: /tmp/kestrel-test.db
device:
  service_uuid: "03d5d5c4-a86c-11ee-9d89-8f2089a49e7e"
  audio_characteristic_uuid: "03d5d6ba-a86c-11ee-9d89-8f2089a49e7e"
uplink:
  base_url: "http://localhost:8000"
  token: secret
  device_type: ble_wearable
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
	if cfg.Gateway.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Gateway.ListenAddr, ":9000")
	}
	if cfg.Uplink.Token != "secret" {
		t.Errorf("Token = %q, want %q", cfg.Uplink.Token, "secret")
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader("uplink:\n  base_url: http://srv:8000\n"))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
	if cfg.Gateway.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Gateway.LogLevel)
	}
	if cfg.Device.ServiceUUID != config.DefaultServiceUUID {
		t.Errorf("default ServiceUUID = %q, want %q", cfg.Device.ServiceUUID, config.DefaultServiceUUID)
	}
	if cfg.Uplink.DeviceType != "ble_wearable" {
		t.Errorf("default DeviceType = %q, want ble_wearable", cfg.Uplink.DeviceType)
	}
}

func TestLoadFromReader_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing base_url",
			yaml: "gateway:\n  log_level: info\n",
			want: "uplink.base_url",
		},
		{
			name: "bad log level",
			yaml: "gateway:\n  log_level: loud\nuplink:\n  base_url: http://x\n",
			want: "gateway.log_level",
		},
		{
			name: "bad service uuid",
			yaml: "device:\n  service_uuid: nope\nuplink:\n  base_url: http://x\n",
			want: "device.service_uuid",
		},
		{
			name: "unknown field",
			yaml: "gateway:\n  listen_port: 9000\nuplink:\n  base_url: http://x\n",
			want: "decode yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("LoadFromReader() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
