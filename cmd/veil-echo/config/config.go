// Package config defines the veil-echo configuration file format.
package config

import (
	"time"

	"github.com/veilnet/veil/internal/mux"
)

// Config is the veil-echo configuration.
type Config struct {
	Addr string    `yaml:"Addr"`
	Ops  OpsConfig `yaml:"Ops"`
	Mux  MuxConfig `yaml:"Mux"`
	Log  LogConfig `yaml:"Log"`
}

// OpsConfig configures the diagnostics HTTP server.
type OpsConfig struct {
	Enable bool   `yaml:"Enable"`
	Addr   string `yaml:"Addr"`
}

// MuxConfig configures the transport mux.
type MuxConfig struct {
	RetransmitCapacity   int           `yaml:"RetransmitCapacity"`
	InitialRTO           time.Duration `yaml:"InitialRTO"`
	MaxRetries           uint32        `yaml:"MaxRetries"`
	AckCoalesceDelay     time.Duration `yaml:"AckCoalesceDelay"`
	AckCoalesceThreshold int           `yaml:"AckCoalesceThreshold"`
	AckReorderGrace      uint64        `yaml:"AckReorderGrace"`
	FECEnabled           bool          `yaml:"FECEnabled"`
	FECDataShards        int           `yaml:"FECDataShards"`
	FECParityShards      int           `yaml:"FECParityShards"`
	PacingRate           float64       `yaml:"PacingRate"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"Level"`  // debug, info, warn, error
	Format string `yaml:"Format"` // json, console
}

// DefaultConfig returns the default veil-echo configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr: "127.0.0.1:4780",
		Ops: OpsConfig{
			Enable: true,
			Addr:   "127.0.0.1:9780",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ToMux maps the file settings onto a mux configuration, leaving the
// mux defaults in place for anything unset.
func (c *MuxConfig) ToMux() *mux.Config {
	out := mux.DefaultConfig()
	if c.RetransmitCapacity > 0 {
		out.RetransmitCapacity = c.RetransmitCapacity
	}
	if c.InitialRTO > 0 {
		out.InitialRTO = c.InitialRTO
	}
	if c.MaxRetries > 0 {
		out.MaxRetries = c.MaxRetries
	}
	if c.AckCoalesceDelay > 0 {
		out.AckCoalesceDelay = c.AckCoalesceDelay
	}
	if c.AckCoalesceThreshold > 0 {
		out.AckCoalesceThreshold = c.AckCoalesceThreshold
	}
	out.AckReorderGrace = c.AckReorderGrace
	out.FECEnabled = c.FECEnabled
	if c.FECDataShards > 0 {
		out.FECDataShards = c.FECDataShards
	}
	if c.FECParityShards > 0 {
		out.FECParityShards = c.FECParityShards
	}
	out.PacingRate = c.PacingRate
	return out
}
