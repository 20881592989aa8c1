// Package config handles loading and validation of peer configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigPath is the default location for the peer configuration file.
	DefaultConfigPath = "/etc/wampctl/peer.yaml"

	// DefaultRealm is used when no realm is configured.
	DefaultRealm = "realm1"
)

// PeerConfig holds all configuration needed to open a WAMP session.
type PeerConfig struct {
	// Host is the router's hostname or IP address.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the router's TCP port.
	Port int `mapstructure:"port" yaml:"port"`

	// Realm is the WAMP realm to join at HELLO time.
	Realm string `mapstructure:"realm" yaml:"realm"`

	// UseTLS selects wss:// framing over ws://.
	UseTLS bool `mapstructure:"use_tls" yaml:"use_tls"`

	// CACertificatePath, if set, pins the router's TLS certificate to a
	// specific CA bundle instead of the system trust store.
	CACertificatePath string `mapstructure:"ca_certificate_path" yaml:"ca_certificate_path"`

	// SSLVersion selects the minimum acceptable TLS version ("1.2" or "1.3").
	SSLVersion string `mapstructure:"ssl_version" yaml:"ssl_version"`

	// Roles lists which of caller/callee/publisher/subscriber this peer
	// advertises in HELLO.Details.roles. Empty means advertise all four.
	Roles []string `mapstructure:"roles" yaml:"roles"`

	// AuthMethod selects the challenge-response scheme ("wampcra", "ticket",
	// or "" for anonymous).
	AuthMethod string `mapstructure:"authmethod" yaml:"authmethod"`

	// AuthID is the principal for AuthMethod; Validate requires it when
	// AuthMethod is set. It is not sent in the HELLO details.
	AuthID string `mapstructure:"authid" yaml:"authid"`

	// AuthSecret is the WAMP-CRA secret or ticket string. Never logged.
	AuthSecret string `mapstructure:"auth_secret" yaml:"auth_secret"`

	// LogLevel controls slog verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// CallTimeoutSeconds bounds how long Call() waits for a RESULT or ERROR.
	CallTimeoutSeconds int `mapstructure:"call_timeout_seconds" yaml:"call_timeout_seconds"`

	// GoodbyeTimeoutSeconds bounds how long end() waits for the router's
	// echoed GOODBYE before giving up and closing the transport anyway.
	GoodbyeTimeoutSeconds int `mapstructure:"goodbye_timeout_seconds" yaml:"goodbye_timeout_seconds"`
}

// Load reads configuration from the given file path, falling back to the
// default path if configPath is empty. Environment variables prefixed
// WAMP_ override file values.
func Load(configPath string) (*PeerConfig, error) {
	v := viper.New()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("realm", DefaultRealm)
	v.SetDefault("use_tls", false)
	v.SetDefault("ssl_version", "1.2")
	v.SetDefault("roles", []string{"caller", "callee", "publisher", "subscriber"})
	v.SetDefault("log_level", "info")
	v.SetDefault("call_timeout_seconds", 30)
	v.SetDefault("goodbye_timeout_seconds", 2)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("WAMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"host":                    "WAMP_HOST",
		"port":                    "WAMP_PORT",
		"realm":                   "WAMP_REALM",
		"use_tls":                 "WAMP_USE_TLS",
		"ca_certificate_path":     "WAMP_CA_CERTIFICATE_PATH",
		"ssl_version":             "WAMP_SSL_VERSION",
		"roles":                   "WAMP_ROLES",
		"authmethod":              "WAMP_AUTHMETHOD",
		"authid":                  "WAMP_AUTHID",
		"auth_secret":             "WAMP_AUTH_SECRET",
		"log_level":               "WAMP_LOG_LEVEL",
		"call_timeout_seconds":    "WAMP_CALL_TIMEOUT_SECONDS",
		"goodbye_timeout_seconds": "WAMP_GOODBYE_TIMEOUT_SECONDS",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		_, isPathErr := err.(*os.PathError)
		if isPathErr || errors.As(err, &notFound) {
			// Config file not found; rely on env vars and defaults.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg PeerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are present and
// well-formed.
func (c *PeerConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Realm == "" {
		return fmt.Errorf("realm is required")
	}
	if c.SSLVersion != "1.2" && c.SSLVersion != "1.3" {
		return fmt.Errorf("ssl_version must be \"1.2\" or \"1.3\", got %q", c.SSLVersion)
	}
	for _, r := range c.Roles {
		switch r {
		case "caller", "callee", "publisher", "subscriber":
		default:
			return fmt.Errorf("unrecognized role %q", r)
		}
	}
	if c.AuthMethod != "" && c.AuthMethod != "wampcra" && c.AuthMethod != "ticket" {
		return fmt.Errorf("unrecognized authmethod %q", c.AuthMethod)
	}
	if c.AuthMethod != "" && c.AuthID == "" {
		return fmt.Errorf("authid is required when authmethod is set")
	}
	if c.CallTimeoutSeconds <= 0 {
		return fmt.Errorf("call_timeout_seconds must be positive")
	}
	if c.GoodbyeTimeoutSeconds <= 0 {
		return fmt.Errorf("goodbye_timeout_seconds must be positive")
	}
	return nil
}

// RolesDetails builds the HELLO roles dictionary for the configured role
// set, per spec §6. An empty Roles list advertises all four.
func (c *PeerConfig) RolesDetails() map[string]interface{} {
	want := c.Roles
	if len(want) == 0 {
		want = []string{"caller", "callee", "publisher", "subscriber"}
	}

	roles := make(map[string]interface{}, len(want))
	for _, r := range want {
		switch r {
		case "callee":
			roles[r] = map[string]interface{}{"features": map[string]interface{}{}}
		default:
			roles[r] = map[string]interface{}{}
		}
	}
	return roles
}
