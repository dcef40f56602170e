// Package hostconfig loads cmd/blindscand's deployment file: the set of
// frontends, satconf chains, and networks a Manager resolves by UUID, plus
// the MQTT and metrics endpoints. The shape mirrors how the retrieved
// ka9q_ubersdr service configures itself from a single YAML file per
// component (cwskimmer_config.go, instance_reporter.go) rather than flags.
package hostconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FrontendEntry names one DVB frontend device node.
type FrontendEntry struct {
	UUID string `yaml:"uuid"`
	Name string `yaml:"name"`
	Path string `yaml:"path"` // "/dev/dvb/adapter0/frontend0", or "stub" for a software double
}

// UnicableEntry describes a Single-Channel-Router gateway on a chain.
type UnicableEntry struct {
	SCR        int   `yaml:"scr"`
	SCRFreqKHz int64 `yaml:"scr_freq_khz"`
}

// SatconfEntry is one named satconf chain, referencing a frontend by UUID.
type SatconfEntry struct {
	UUID         string         `yaml:"uuid"`
	Name         string         `yaml:"name"`
	FrontendUUID string         `yaml:"frontend_uuid"`
	LNBType      string         `yaml:"lnb_type"`
	Unicable     *UnicableEntry `yaml:"unicable,omitempty"`
}

// NetworkEntry is one network the mux materialiser can enqueue into.
type NetworkEntry struct {
	UUID string `yaml:"uuid"`
	Name string `yaml:"name"`
}

// MQTTConfig configures the optional event bridge. Disabled when Broker
// is empty.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Config is the whole blindscand deployment file.
type Config struct {
	ListenAddr string         `yaml:"listen_addr"`
	LogLevel   string         `yaml:"log_level"`
	Frontends  []FrontendEntry `yaml:"frontends"`
	Satconfs   []SatconfEntry  `yaml:"satconfs"`
	Networks   []NetworkEntry  `yaml:"networks"`
	MQTT       MQTTConfig      `yaml:"mqtt"`
}

// Load reads and parses the YAML deployment file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse host config: %w", err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9110"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}
