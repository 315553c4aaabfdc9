// Package projectx implements the broker.Gateway interface against the
// ProjectX REST API used by TopstepX-style prop firm accounts.
package projectx

import (
	"time"
)

// Config holds ProjectX connection configuration.
type Config struct {
	// API settings
	BaseURL  string
	Username string
	APIKey   string

	// Timeouts
	RequestTimeout time.Duration

	// Rate limiting
	MaxRequestsPerSecond int

	// Token refresh happens this long before the token expires.
	TokenRefreshMargin time.Duration
}

// DefaultConfig returns default ProjectX configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:              "https://backend.topstepx.com",
		RequestTimeout:       30 * time.Second,
		MaxRequestsPerSecond: 10,
		TokenRefreshMargin:   5 * time.Minute,
	}
}
