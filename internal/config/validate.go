package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *CoreConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	if err := c.Database.Postgres.validate("database.postgres"); err != nil {
		return err
	}

	if c.Flow.OutboxCapacity < 1 {
		return errors.New("flow.outbox_capacity must be >= 1")
	}
	if c.Flow.EventBacklog < 1 {
		return errors.New("flow.event_backlog must be >= 1")
	}

	if c.Store.Enabled {
		if c.Store.BatchSize < 1 {
			return errors.New("store.batch_size must be >= 1")
		}
		if c.Store.IntakeBuffer < 1 {
			return errors.New("store.intake_buffer must be >= 1")
		}
	}

	if c.Gateway.MaxMessageBytes < 1 {
		return errors.New("gateway.max_message_bytes must be >= 1")
	}
	if c.Gateway.MalformedRate <= 0 {
		return errors.New("gateway.malformed_rate must be > 0")
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
