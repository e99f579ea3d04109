package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ServerIP        = "127.0.0.1"
	ServerPort      = 7080
	ClientIP        = "127.0.0.1"
	ClientPortLower = 32768
	ClientPortUpper = 60999
	MaxPayloadSize  = 64 // hard limit of the wire format
)

// Config is the top level configuration shared by the server and client binaries.
type Config struct {
	Debug    bool           `yaml:"debug"`
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Retry    RetryConfig    `yaml:"retry"`
	Pool     PoolConfig     `yaml:"pool"`
}

type ServerConfig struct {
	IP               string        `yaml:"ip"`
	Port             int           `yaml:"port"`
	Username         string        `yaml:"username"`
	KillPassword     string        `yaml:"kill_password"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	MonitorPeriod    time.Duration `yaml:"monitor_period"`
}

type ClientConfig struct {
	IP                string        `yaml:"ip"`
	Port              int           `yaml:"port"` // 0 picks from the port range, or the kernel when the range is empty
	PortLower         int           `yaml:"port_lower"`
	PortUpper         int           `yaml:"port_upper"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	MessagesLimit     int           `yaml:"messages_limit"`
}

// ProtocolConfig holds the transport engine parameters.
type ProtocolConfig struct {
	PayloadSize       int           `yaml:"payload_size"`
	WindowSize        int           `yaml:"window_size"`
	AckWait           time.Duration `yaml:"ack_wait"`
	RetransmitTimeout time.Duration `yaml:"retransmit_timeout"`
	MaxRetransmits    int           `yaml:"max_retransmits"` // 0 means unlimited
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	InboundQueue      int           `yaml:"inbound_queue"`
	TOS               int           `yaml:"tos"`       // 0 leaves the socket untouched
	LossRate          float64       `yaml:"loss_rate"` // simulated outbound loss, 0..1
}

// RetryConfig bounds handshake and teardown retries.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type PoolConfig struct {
	Size                 int           `yaml:"size"`
	Debug                bool          `yaml:"debug"`
	ProcessTimeThreshold time.Duration `yaml:"process_time_threshold"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:               ServerIP,
			Port:             ServerPort,
			Username:         "server",
			KillPassword:     "jarkom",
			HeartbeatTimeout: 30 * time.Second,
			MonitorPeriod:    5 * time.Second,
		},
		Client: ClientConfig{
			IP:                ClientIP,
			PortLower:         ClientPortLower,
			PortUpper:         ClientPortUpper,
			HeartbeatInterval: 2 * time.Second,
			ConnectTimeout:    5 * time.Second,
			MessagesLimit:     50,
		},
		Protocol: ProtocolConfig{
			PayloadSize:       MaxPayloadSize,
			WindowSize:        4,
			AckWait:           2 * time.Second,
			RetransmitTimeout: 2500 * time.Millisecond,
			ReadTimeout:       500 * time.Millisecond,
			InboundQueue:      256,
		},
		Retry: RetryConfig{
			MaxRetries:        5,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 1.5,
		},
		Pool: PoolConfig{
			Size:                 2000,
			ProcessTimeThreshold: 10 * time.Millisecond,
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Keys missing from
// the file keep their default values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", filename, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the transport cannot run with.
func (c *Config) Validate() error {
	p := c.Protocol
	if p.PayloadSize < 1 || p.PayloadSize > MaxPayloadSize {
		return fmt.Errorf("protocol.payload_size must be within 1..%d, got %d", MaxPayloadSize, p.PayloadSize)
	}
	if p.WindowSize < 1 {
		return fmt.Errorf("protocol.window_size must be positive, got %d", p.WindowSize)
	}
	if p.AckWait <= 0 || p.RetransmitTimeout <= 0 || p.ReadTimeout <= 0 {
		return fmt.Errorf("protocol timeouts must be positive")
	}
	if p.MaxRetransmits < 0 {
		return fmt.Errorf("protocol.max_retransmits must not be negative")
	}
	if p.LossRate < 0 || p.LossRate >= 1 {
		return fmt.Errorf("protocol.loss_rate must be within [0, 1), got %v", p.LossRate)
	}
	if p.TOS < 0 || p.TOS > 255 {
		return fmt.Errorf("protocol.tos must be within 0..255, got %d", p.TOS)
	}
	if p.InboundQueue < 1 {
		return fmt.Errorf("protocol.inbound_queue must be positive")
	}
	if c.Client.HeartbeatInterval <= 0 || c.Client.ConnectTimeout <= 0 {
		return fmt.Errorf("client intervals must be positive")
	}
	if c.Client.PortLower > c.Client.PortUpper {
		return fmt.Errorf("client.port_lower (%d) is above client.port_upper (%d)", c.Client.PortLower, c.Client.PortUpper)
	}
	if c.Server.HeartbeatTimeout <= 0 || c.Server.MonitorPeriod <= 0 {
		return fmt.Errorf("server heartbeat settings must be positive")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be at least 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1")
	}
	return nil
}
