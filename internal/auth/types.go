package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Method is the scheme a request authenticated with.
type Method string

const (
	MethodBasic Method = "basic" // username/password
	MethodToken Method = "token" // static bearer token
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("authentication required")
)

// Result represents the result of authentication
type Result struct {
	Success  bool   `json:"success"`
	Username string `json:"username,omitempty"`
	Method   Method `json:"method,omitempty"`
}

// Config enables API authentication. Users carry bcrypt password hashes
// (see HashPassword); tokens are compared in constant time.
type Config struct {
	Enabled bool          `toml:"enabled" mapstructure:"enabled"`
	Users   []UserConfig  `toml:"users" mapstructure:"users"`
	Tokens  []TokenConfig `toml:"tokens" mapstructure:"tokens"`
}

type UserConfig struct {
	Username     string `toml:"username" mapstructure:"username"`
	PasswordHash string `toml:"password_hash" mapstructure:"password_hash"`
}

type TokenConfig struct {
	Name  string `toml:"name" mapstructure:"name"`
	Token string `toml:"token" mapstructure:"token"`
}

// Validate reports configuration that would lock every client out.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if len(c.Users) == 0 && len(c.Tokens) == 0 {
		errs = append(errs, errors.New("auth enabled without users or tokens"))
	}
	seen := map[string]bool{}
	for i, u := range c.Users {
		if strings.TrimSpace(u.Username) == "" {
			errs = append(errs, fmt.Errorf("users[%d].username must not be empty", i))
		}
		if seen[u.Username] {
			errs = append(errs, fmt.Errorf("duplicate user %q", u.Username))
		}
		seen[u.Username] = true
		if !strings.HasPrefix(u.PasswordHash, "$2") {
			errs = append(errs, fmt.Errorf("users[%d].password_hash is not a bcrypt hash", i))
		}
	}
	for i, t := range c.Tokens {
		if len(t.Token) < 16 {
			errs = append(errs, fmt.Errorf("tokens[%d] must be at least 16 characters", i))
		}
	}
	return errors.Join(errs...)
}
