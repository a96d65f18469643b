package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServerHost      = "0.0.0.0"
	DefaultServerPort      = 8080
	DefaultShutdownTimeout = 10 * time.Second

	DefaultValidateTimeout = 2 * time.Second

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 10
	DefaultMinConns  = 2

	DefaultLookupTimeout = 2 * time.Second
	DefaultCacheTTL      = 30 * time.Second

	DefaultOfflineDebounce = 5 * time.Second
	DefaultTypingTTL       = 10 * time.Second

	DefaultOutboxCapacity = 256
	DefaultEventBacklog   = 1024

	DefaultSequencerIdleReclaim = 10 * time.Minute

	DefaultBatchSize     = 100
	DefaultFlushInterval = 200 * time.Millisecond
	DefaultIntakeBuffer  = 1024

	DefaultPingInterval    = 15 * time.Second
	DefaultReadTimeout     = 60 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxMessageBytes = 128 * 1024
	DefaultMalformedRate   = 1.0
	DefaultMalformedBurst  = 5
)

func (c *CoreConfig) applyDefaults() {
	// Server defaults
	if c.Server.Host == "" {
		c.Server.Host = DefaultServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Auth defaults
	if c.Auth.ValidateTimeout == 0 {
		c.Auth.ValidateTimeout = DefaultValidateTimeout
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Membership defaults
	if c.Membership.LookupTimeout == 0 {
		c.Membership.LookupTimeout = DefaultLookupTimeout
	}
	if c.Membership.CacheTTL == 0 {
		c.Membership.CacheTTL = DefaultCacheTTL
	}

	// Presence defaults
	if c.Presence.OfflineDebounce == 0 {
		c.Presence.OfflineDebounce = DefaultOfflineDebounce
	}
	if c.Presence.TypingTTL == 0 {
		c.Presence.TypingTTL = DefaultTypingTTL
	}

	// Flow defaults
	if c.Flow.OutboxCapacity == 0 {
		c.Flow.OutboxCapacity = DefaultOutboxCapacity
	}
	if c.Flow.EventBacklog == 0 {
		c.Flow.EventBacklog = DefaultEventBacklog
	}

	// Router defaults
	if c.Router.SequencerIdleReclaim == 0 {
		c.Router.SequencerIdleReclaim = DefaultSequencerIdleReclaim
	}

	// Store defaults
	if c.Store.BatchSize == 0 {
		c.Store.BatchSize = DefaultBatchSize
	}
	if c.Store.FlushInterval == 0 {
		c.Store.FlushInterval = DefaultFlushInterval
	}
	if c.Store.IntakeBuffer == 0 {
		c.Store.IntakeBuffer = DefaultIntakeBuffer
	}

	// Gateway defaults
	if c.Gateway.PingInterval == 0 {
		c.Gateway.PingInterval = DefaultPingInterval
	}
	if c.Gateway.ReadTimeout == 0 {
		c.Gateway.ReadTimeout = DefaultReadTimeout
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = DefaultWriteTimeout
	}
	if c.Gateway.MaxMessageBytes == 0 {
		c.Gateway.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Gateway.MalformedRate == 0 {
		c.Gateway.MalformedRate = DefaultMalformedRate
	}
	if c.Gateway.MalformedBurst == 0 {
		c.Gateway.MalformedBurst = DefaultMalformedBurst
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
