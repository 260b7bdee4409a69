package config

import "fmt"

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.AwaitPollInterval.Std() >= c.AwaitTimeout.Std() {
		return fmt.Errorf("config: AwaitPollInterval must be shorter than AwaitTimeout")
	}
	if c.Admin.AuthEnabled && c.Admin.JWTSecret == "" {
		return fmt.Errorf("config: Admin.AuthEnabled requires Admin.JWTSecret")
	}
	return nil
}
