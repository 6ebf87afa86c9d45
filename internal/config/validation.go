package config

import (
	"fmt"
	"time"
)

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if err := c.Redis.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if c.Health.Enabled && (c.Health.Port <= 0 || c.Health.Port > 65535) {
		return fmt.Errorf("health port out of range: %d", c.Health.Port)
	}
	return nil
}

func (c *RedisConfig) validate() error {
	if len(c.Addresses) == 0 {
		return fmt.Errorf("at least one redis address is required")
	}
	for _, addr := range c.Addresses {
		if addr == "" {
			return fmt.Errorf("empty redis address")
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("redis max retries must not be negative")
	}
	return nil
}

func (c *EngineConfig) validate() error {
	if c.QueueName == "" {
		return fmt.Errorf("engine queue name is required")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("engine consumer group is required")
	}
	if c.StatePrefix == "" {
		return fmt.Errorf("engine state prefix is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("engine poll interval must be positive")
	}
	if c.ExecuteTimeout <= 0 {
		return fmt.Errorf("engine execute timeout must be positive")
	}
	if c.StateTTL < time.Second {
		return fmt.Errorf("engine state ttl too small: %s", c.StateTTL)
	}
	if c.ClaimTimeout <= 0 {
		return fmt.Errorf("engine claim timeout must be positive")
	}
	if c.MinWorkers <= 0 || c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("engine worker bounds invalid: min=%d max=%d", c.MinWorkers, c.MaxWorkers)
	}
	return nil
}

func (c *NotifyConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("notify enabled but no brokers configured")
	}
	if c.Topic == "" {
		return fmt.Errorf("notify enabled but no topic configured")
	}
	if c.QoS > 2 {
		return fmt.Errorf("notify qos out of range: %d", c.QoS)
	}
	return nil
}
