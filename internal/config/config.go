package config

import "time"

// CoreConfig is the root configuration for a gateway instance.
type CoreConfig struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Membership MembershipConfig `yaml:"membership"`
	Presence   PresenceConfig   `yaml:"presence"`
	Flow       FlowConfig       `yaml:"flow"`
	Router     RouterConfig     `yaml:"router"`
	Store      StoreConfig      `yaml:"store"`
	Gateway    GatewayConfig    `yaml:"gateway"`
}

// InstanceConfig identifies this gateway.
type InstanceConfig struct {
	ID string `yaml:"id"`
	AZ string `yaml:"az"`
}

// ServerConfig holds the listening HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds credential validation settings.
type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection. Membership reads and
// message persistence share one pool.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MembershipConfig holds conversation membership lookup settings.
type MembershipConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// PresenceConfig holds presence tracker settings.
type PresenceConfig struct {
	OfflineDebounce time.Duration `yaml:"offline_debounce"`
	TypingTTL       time.Duration `yaml:"typing_ttl"`
}

// FlowConfig holds per-connection delivery buffer settings.
type FlowConfig struct {
	OutboxCapacity int `yaml:"outbox_capacity"`
	EventBacklog   int `yaml:"event_backlog"`
}

// RouterConfig holds fan-out engine settings.
type RouterConfig struct {
	SequencerIdleReclaim time.Duration `yaml:"sequencer_idle_reclaim"`
}

// StoreConfig holds message persistence settings.
type StoreConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	IntakeBuffer  int           `yaml:"intake_buffer"`
}

// GatewayConfig holds per-socket protocol settings.
type GatewayConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	MalformedRate   float64       `yaml:"malformed_rate"`
	MalformedBurst  int           `yaml:"malformed_burst"`
}
