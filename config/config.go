// Package config loads the key->value configuration bag described in
// spec.md §6. Argument parsing and config-file formats beyond env vars are
// out of scope (§1); this package only recognizes environment variables and
// an optional .env file, the way the teacher's server config does.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Ownership selects how a shared-memory transport is created or attached.
type Ownership string

const (
	OwnershipOwn      Ownership = "own"
	OwnershipAttach   Ownership = "attach"
	OwnershipOptional Ownership = "optional"
)

// PumpRunMode selects when Pump goroutines start relative to Domain.Start.
type PumpRunMode string

const (
	PumpRunAuto    PumpRunMode = "auto"
	PumpRunManual  PumpRunMode = "manual"
	PumpRunDelayed PumpRunMode = "delayed"
)

// Config holds every recognized key from spec.md §6's configuration table.
type Config struct {
	IfaceAddr string `env:"IFACE_ADDR" envDefault:"0.0.0.0"`

	IPCMessageQueueSizePower2Num int       `env:"IPC_QUEUE_SIZE_POWER2" envDefault:"14"` // 2^14 slots
	IPCMaxMessageSizeRuntime     int       `env:"IPC_MAX_MESSAGE_SIZE" envDefault:"256"`
	IPCTransportOwnership        Ownership `env:"IPC_TRANSPORT_OWNERSHIP" envDefault:"optional"`
	IPCPurgeIntervalSeconds      int       `env:"IPC_PURGE_INTERVAL_SECONDS" envDefault:"30"` // 0 disables
	IPCShmForAttPoolSize         int64     `env:"IPC_ATTACHMENT_POOL_SIZE" envDefault:"0"`    // 0 disables

	NetMaxMessageSizeRuntime int `env:"NET_MAX_MESSAGE_SIZE" envDefault:"1024"`

	PumpCount          int         `env:"PUMP_COUNT" envDefault:"1"`
	PumpCPUAffinityHex string      `env:"PUMP_CPU_AFFINITY_HEX" envDefault:""`
	PumpMaxBlockingSec float64     `env:"PUMP_MAX_BLOCKING_SEC" envDefault:"0.25"`
	PumpRunMode        PumpRunMode `env:"PUMP_RUN_MODE" envDefault:"auto"`

	TCPPort      int    `env:"TCP_PORT" envDefault:"0"`
	UdpcastDests string `env:"UDPCAST_DESTS" envDefault:"239.255.0.1:30001"`

	SendBytesPerSec  int64 `env:"SEND_BYTES_PER_SEC" envDefault:"0"` // 0 disables rate limiting
	SendBytesBurst   int64 `env:"SEND_BYTES_BURST" envDefault:"0"`

	WaitForSlowReceivers bool `env:"WAIT_FOR_SLOW_RECEIVERS" envDefault:"false"`

	HeartbeatPeriodSeconds       int `env:"HEARTBEAT_PERIOD_SECONDS" envDefault:"5"`
	TypeTagAdvertisePeriodSeconds int `env:"TYPE_TAG_ADVERTISE_PERIOD_SECONDS" envDefault:"2"`

	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and environment
// variables, applies defaults, and validates the result. Priority: env vars
// > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && logger != nil {
		logger.Info().Msg("no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internally inconsistent or out-of-range
// values.
func (c *Config) Validate() error {
	if c.IPCMessageQueueSizePower2Num < 1 || c.IPCMessageQueueSizePower2Num > 30 {
		return fmt.Errorf("IPC_QUEUE_SIZE_POWER2 must be 1-30, got %d", c.IPCMessageQueueSizePower2Num)
	}
	if c.IPCMaxMessageSizeRuntime < 16 {
		return fmt.Errorf("IPC_MAX_MESSAGE_SIZE must be >= 16, got %d", c.IPCMaxMessageSizeRuntime)
	}
	switch c.IPCTransportOwnership {
	case OwnershipOwn, OwnershipAttach, OwnershipOptional:
	default:
		return fmt.Errorf("IPC_TRANSPORT_OWNERSHIP must be one of own/attach/optional, got %q", c.IPCTransportOwnership)
	}
	if c.PumpCount < 1 || c.PumpCount > 64 {
		return fmt.Errorf("PUMP_COUNT must be 1-64, got %d", c.PumpCount)
	}
	switch c.PumpRunMode {
	case PumpRunAuto, PumpRunManual, PumpRunDelayed:
	default:
		return fmt.Errorf("PUMP_RUN_MODE must be one of auto/manual/delayed, got %q", c.PumpRunMode)
	}
	if c.SendBytesBurst < 0 || c.SendBytesPerSec < 0 {
		return fmt.Errorf("SEND_BYTES_PER_SEC/SEND_BYTES_BURST must be >= 0")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json/pretty, got %q", c.LogFormat)
	}
	return nil
}

// RingDepth returns the IPC ring's slot count, 2^IPCMessageQueueSizePower2Num.
func (c *Config) RingDepth() int {
	return 1 << uint(c.IPCMessageQueueSizePower2Num)
}
