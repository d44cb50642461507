// Package config loads and validates the YAML configuration surface for
// the G2 network core: listen port, link speeds, client mode, fleet
// sizing, search pacing, and the adaptive-hub thresholds.
package config

import (
	"strconv"
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// ClientMode mirrors the core's configured role preference.
type ClientMode int

const (
	ModeAuto ClientMode = iota
	ModeLeaf
	ModeHub
)

// UnmarshalYAML accepts the lowercase string form used in config files
// ("auto", "leaf", "hub") in addition to the bare integer.
func (m *ClientMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		switch s {
		case "", "auto":
			*m = ModeAuto
		case "leaf":
			*m = ModeLeaf
		case "hub":
			*m = ModeHub
		default:
			i, convErr := strconv.Atoi(s)
			if convErr != nil {
				return &InvalidFieldError{Field: "client_mode", Value: s}
			}
			*m = ClientMode(i)
		}
		return nil
	}
	var i int
	if err := unmarshal(&i); err != nil {
		return err
	}
	*m = ClientMode(i)
	return nil
}

func (m ClientMode) String() string {
	switch m {
	case ModeLeaf:
		return "leaf"
	case ModeHub:
		return "hub"
	default:
		return "auto"
	}
}

// Config is the unified configuration for a g2node process.
type Config struct {
	Version int `yaml:"version,omitempty"`

	Port     int `yaml:"port"`
	InSpeed  int `yaml:"in_speed"`  // bits/sec
	OutSpeed int `yaml:"out_speed"` // bits/sec

	ClientMode ClientMode `yaml:"client_mode"`

	NumHubs  int `yaml:"num_hubs"`  // leaf-mode target hub count
	NumPeers int `yaml:"num_peers"` // hub-mode target hub-peer count
	NumLeafs int `yaml:"num_leafs"` // hub-mode advertised leaf capacity

	ConnectFactor int `yaml:"connect_factor"`

	QueryLimit         int           `yaml:"query_limit"`
	QueryHostThrottle  time.Duration `yaml:"query_host_throttle"`
	RequeryDelay       time.Duration `yaml:"requery_delay"`
	HostCurrent        time.Duration `yaml:"host_current"`
	QueryKeyTime       time.Duration `yaml:"query_key_time"`
	MaxResults         int           `yaml:"max_results"`
	MaxPacketsPerTick  int           `yaml:"max_packets_per_tick"` // I6 global search budget, default 8

	KHLHubCount      int           `yaml:"khl_hub_count"`
	KHLPeriod        time.Duration `yaml:"khl_period"`
	LNIMinimumUpdate time.Duration `yaml:"lni_minimum_update"`

	AdaptiveHub           bool          `yaml:"adaptive_hub"`
	AdaptiveCheckPeriod   int           `yaml:"adaptive_check_period"` // ticks between evaluations
	AdaptiveMaxPing       time.Duration `yaml:"adaptive_max_ping"`
	AdaptiveBusyPercentage float64      `yaml:"adaptive_busy_percentage"`
	AdaptiveTimeWindow    int           `yaml:"adaptive_time_window"` // evaluation periods
	AdaptiveMinimumLeaves int           `yaml:"adaptive_minimum_leaves"`

	PreferredCountries []string `yaml:"preferred_countries,omitempty"`

	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig controls optional observability surfaces. Disabled by
// default and opt-in.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Defaults returns a Config populated with the default tuning constants,
// suitable as a base before applying a loaded YAML overlay.
func Defaults() *Config {
	return &Config{
		Version:                CurrentConfigVersion,
		Port:                   6346,
		InSpeed:                10_000_000,
		OutSpeed:               10_000_000,
		ClientMode:             ModeAuto,
		NumHubs:                2,
		NumPeers:               6,
		NumLeafs:               256,
		ConnectFactor:          3,
		QueryLimit:             100,
		QueryHostThrottle:      5 * time.Second,
		RequeryDelay:           5 * time.Minute,
		HostCurrent:            2 * time.Hour,
		QueryKeyTime:           1 * time.Hour,
		MaxResults:             500,
		MaxPacketsPerTick:      8,
		KHLHubCount:            20,
		KHLPeriod:              5 * time.Minute,
		LNIMinimumUpdate:       5 * time.Second,
		AdaptiveHub:            true,
		AdaptiveCheckPeriod:    60,
		AdaptiveMaxPing:        500 * time.Millisecond,
		AdaptiveBusyPercentage: 0.6,
		AdaptiveTimeWindow:     10,
		AdaptiveMinimumLeaves:  16,
	}
}
