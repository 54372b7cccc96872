package ocppserver

import (
	"fmt"
	"time"

	"github.com/balu-dk/go-ocpp-central/ocpp/eventlog"
	"github.com/balu-dk/go-ocpp-central/ocpp/smartcharging"
)

// Config holds the settings of the OCPP central system.
type Config struct {
	// Host is the domain name or IP address the servers advertise
	Host string `json:"host"`

	// WebSocketPort is the port the OCPP WebSocket server listens on
	WebSocketPort int `json:"websocket_port"`

	// APIPort is the port the HTTP API server listens on
	APIPort int `json:"api_port"`

	// SystemName is the name of the central system
	SystemName string `json:"system_name"`

	UseTLS   bool   `json:"use_tls"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`

	// HeartbeatInterval in seconds, sent to stations in BootNotification
	HeartbeatInterval int `json:"heartbeat_interval"`

	// CallTimeout is the default deadline for server-initiated calls
	CallTimeout time.Duration `json:"call_timeout"`

	// SweepInterval is how often expired pending calls are failed
	SweepInterval time.Duration `json:"sweep_interval"`

	// HeartbeatCheckInterval is how often stale stations are reported
	HeartbeatCheckInterval time.Duration `json:"heartbeat_check_interval"`

	// MeterPollInterval triggers MeterValues for running transactions; zero disables it
	MeterPollInterval time.Duration `json:"meter_poll_interval"`

	// PingInterval is the WebSocket ping period; zero disables pings
	PingInterval time.Duration `json:"ping_interval"`

	// EventLogCapacity bounds each station's frame log, up to eventlog.DefaultCapacity
	EventLogCapacity int `json:"event_log_capacity"`

	// CompositeMaxDuration caps the window of a composite schedule request, in seconds
	CompositeMaxDuration int `json:"composite_max_duration"`

	// NominalVoltage converts between W and A in composite schedules
	NominalVoltage float64 `json:"nominal_voltage"`

	// ProfilePrecedence orders charging profile purposes, strongest first
	ProfilePrecedence []string `json:"profile_precedence"`

	// StationMaxCaps makes ChargePointMaxProfile cap the other purposes
	StationMaxCaps bool `json:"station_max_caps"`
}

// NewConfig returns a configuration with default values.
func NewConfig() *Config {
	return &Config{
		Host:                   "localhost",
		WebSocketPort:          9000,
		APIPort:                9001,
		SystemName:             "ocpp-central",
		HeartbeatInterval:      60,
		CallTimeout:            30 * time.Second,
		SweepInterval:          time.Second,
		HeartbeatCheckInterval: time.Minute,
		PingInterval:           30 * time.Second,
		EventLogCapacity:       eventlog.DefaultCapacity,
		CompositeMaxDuration:   smartcharging.DefaultMaxDuration,
		NominalVoltage:         smartcharging.DefaultVoltage,
		ProfilePrecedence: []string{
			string(smartcharging.TxProfile),
			string(smartcharging.TxDefaultProfile),
			string(smartcharging.ChargePointMaxProfile),
		},
	}
}

// WebSocketAddr returns the WebSocket listen address as "host:port"
func (c *Config) WebSocketAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.WebSocketPort)
}

// APIAddr returns the API listen address as "host:port"
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.APIPort)
}

// WithHost sets the host or IP of the servers
func (c *Config) WithHost(host string) *Config {
	c.Host = host
	return c
}

// WithWebSocketPort sets the WebSocket server port
func (c *Config) WithWebSocketPort(port int) *Config {
	c.WebSocketPort = port
	return c
}

// WithAPIPort sets the API server port
func (c *Config) WithAPIPort(port int) *Config {
	c.APIPort = port
	return c
}

// WithSystemName sets the system name
func (c *Config) WithSystemName(name string) *Config {
	c.SystemName = name
	return c
}

// WithCallTimeout sets the default deadline for server-initiated calls
func (c *Config) WithCallTimeout(d time.Duration) *Config {
	c.CallTimeout = d
	return c
}

// WithHeartbeatInterval sets the interval handed out at boot, in seconds
func (c *Config) WithHeartbeatInterval(seconds int) *Config {
	c.HeartbeatInterval = seconds
	return c
}

// Validate checks the values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.WebSocketPort <= 0 || c.WebSocketPort > 65535 {
		return fmt.Errorf("websocket_port %d out of range", c.WebSocketPort)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port %d out of range", c.APIPort)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive")
	}
	if c.EventLogCapacity <= 0 || c.EventLogCapacity > eventlog.DefaultCapacity {
		return fmt.Errorf("event_log_capacity %d out of range (1..%d)", c.EventLogCapacity, eventlog.DefaultCapacity)
	}
	if c.CompositeMaxDuration <= 0 {
		return fmt.Errorf("composite_max_duration must be positive")
	}
	if c.UseTLS && (c.CertFile == "" || c.KeyFile == "") {
		return fmt.Errorf("use_tls requires cert_file and key_file")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}

// Policy builds the composite schedule precedence from the configuration.
func (c *Config) Policy() (smartcharging.Policy, error) {
	if len(c.ProfilePrecedence) == 0 {
		p := smartcharging.DefaultPolicy()
		p.StationMaxCaps = c.StationMaxCaps
		return p, nil
	}
	p := smartcharging.Policy{StationMaxCaps: c.StationMaxCaps}
	for _, name := range c.ProfilePrecedence {
		purpose := smartcharging.Purpose(name)
		switch purpose {
		case smartcharging.TxProfile, smartcharging.TxDefaultProfile, smartcharging.ChargePointMaxProfile:
		default:
			return p, fmt.Errorf("profile_precedence: unknown purpose %q", name)
		}
		p.Precedence = append(p.Precedence, purpose)
	}
	return p, nil
}
