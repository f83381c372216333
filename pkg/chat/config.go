// Copyright 2024-2026 Aiku AI

package chat

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds the engine configuration. Intervals and windows are
// milliseconds in the yaml file; PostProcess turns them into durations.
type Config struct {
	AppID   string `yaml:"app_id"`
	BaseURL string `yaml:"base_url"`
	// BrokerURL is the websocket broker used for the push channel.
	BrokerURL string `yaml:"broker_url"`
	// BrokerLBURL is the relocation endpoint consulted before each
	// reconnect when load balancing is enabled. On lookup failure the
	// previously used broker address is kept.
	BrokerLBURL string `yaml:"broker_lb_url"`
	EnableLB    bool   `yaml:"enable_lb"`

	// SyncInterval is the pull cadence (ms) while the push channel is down
	// or sync is forced on. SyncIntervalWhenConnected applies once the push
	// channel is confirmed connected.
	SyncInterval              int `yaml:"sync_interval"`
	SyncIntervalWhenConnected int `yaml:"sync_interval_when_connected"`
	SyncBatchSize             int `yaml:"sync_batch_size"`

	// AckMode is one of disabled, throttled, enabled. AckWindow (ms) is the
	// leading-edge window in throttled mode.
	AckMode   string `yaml:"ack_mode"`
	AckWindow int    `yaml:"ack_window"`

	// ReconnectDebounce (ms) coalesces bursts of transport closes into a
	// single reconnection attempt.
	ReconnectDebounce int `yaml:"reconnect_debounce"`

	Log zerolog.Logger `yaml:"-"`

	syncInterval          time.Duration
	syncIntervalConnected time.Duration
	ackMode               AckMode
	ackWindow             time.Duration
	reconnectDebounce     time.Duration
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess applies defaults and validates. It must be called before the
// config is handed to New; LoadConfig and New both call it.
func (c *Config) PostProcess() error {
	if c.AppID == "" {
		return fmt.Errorf("app_id is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5000
	}
	if c.SyncIntervalWhenConnected <= 0 {
		c.SyncIntervalWhenConnected = 30000
	}
	if c.SyncBatchSize <= 0 {
		c.SyncBatchSize = 20
	}
	if c.AckMode == "" {
		c.AckMode = string(AckThrottled)
	}
	switch AckMode(c.AckMode) {
	case AckDisabled, AckThrottled, AckEnabled:
	default:
		return fmt.Errorf("ack_mode %q is not disabled, throttled or enabled", c.AckMode)
	}
	if c.AckWindow <= 0 {
		c.AckWindow = 300
	}
	if c.ReconnectDebounce <= 0 {
		c.ReconnectDebounce = 1000
	}
	c.syncInterval = time.Duration(c.SyncInterval) * time.Millisecond
	c.syncIntervalConnected = time.Duration(c.SyncIntervalWhenConnected) * time.Millisecond
	c.ackMode = AckMode(c.AckMode)
	c.ackWindow = time.Duration(c.AckWindow) * time.Millisecond
	c.reconnectDebounce = time.Duration(c.ReconnectDebounce) * time.Millisecond
	return nil
}

// LoadConfig reads and post-processes a yaml config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
