// Package config loads the coordinator's single JSON configuration
// document. The file is parsed through github.com/tinode/jsonco so
// operators can annotate it with comments.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinode/jsonco"
)

// Environment selects which api/websocket block is active.
type Environment string

const (
	EnvLocal      Environment = "local"
	EnvProduction Environment = "production"
)

// APIConfig is the upstream IdP endpoint configuration.
type APIConfig struct {
	NSNUrl  string `json:"nsn_url"`
	NSNHost string `json:"nsn_host"`
	NSNPort int    `json:"nsn_port"`
}

// WebsocketConfig is the coordinator's own listen configuration.
type WebsocketConfig struct {
	ServerHost string `json:"server_host"`
	ServerPort int    `json:"server_port"`
}

// NetworkConfig carries socket-level tuning: keepalive ping cadence and
// the inbound message size cap.
type NetworkConfig struct {
	PingInterval    Duration `json:"ping_interval"`
	PongTimeout     Duration `json:"pong_timeout"`
	MaxMessageBytes int64    `json:"max_message_bytes"`
}

// URLFilteringConfig configures the activity-batch allowlist predicate.
type URLFilteringConfig struct {
	Enabled         bool     `json:"enabled"`
	AllowedDomains  []string `json:"allowed_domains"`
	AllowedPatterns []string `json:"allowed_patterns"`
}

// TimingConfig makes the timeouts operator-overridable instead of
// hardcoded. IdPSignupTimeout is parsed but not applied: the identity
// bridge uses a fixed 5s signup timeout, and its login stays capped at
// 30s even when IdPLoginTimeout is larger.
type TimingConfig struct {
	RPCTimeout          Duration `json:"rpc_timeout"`
	AttestationTimeout  Duration `json:"attestation_timeout"`
	LogoutAckTimeout    Duration `json:"logout_ack_timeout"`
	LogoutPollInterval  Duration `json:"logout_poll_interval"`
	CookieDeliveryWait  Duration `json:"cookie_delivery_wait"`
	CookieDeliveryTries int      `json:"cookie_delivery_tries"`
	IdPSignupTimeout    Duration `json:"idp_signup_timeout"`
	IdPLoginTimeout     Duration `json:"idp_login_timeout"`
	PairingCodeTTL      Duration `json:"pairing_code_ttl"`
	BatchMaxAge         Duration `json:"batch_max_age"`
	ValidityCacheTTL    Duration `json:"validity_cache_ttl"`
}

// DefaultTimings returns the default timeouts.
func DefaultTimings() TimingConfig {
	return TimingConfig{
		RPCTimeout:          Duration(30 * time.Second),
		AttestationTimeout:  Duration(15 * time.Second),
		LogoutAckTimeout:    Duration(10 * time.Second),
		LogoutPollInterval:  Duration(100 * time.Millisecond),
		CookieDeliveryWait:  Duration(5 * time.Second),
		CookieDeliveryTries: 3,
		IdPSignupTimeout:    Duration(5 * time.Second),
		IdPLoginTimeout:     Duration(30 * time.Second),
		PairingCodeTTL:      Duration(15 * time.Minute),
		BatchMaxAge:         Duration(24 * time.Hour),
		ValidityCacheTTL:    Duration(5 * time.Second),
	}
}

// Config is the full coordinator configuration document.
type Config struct {
	CurrentEnvironment Environment                     `json:"current_environment"`
	API                map[Environment]APIConfig       `json:"api"`
	Websocket          map[Environment]WebsocketConfig `json:"websocket"`
	Network            NetworkConfig                   `json:"network"`
	URLFiltering       URLFilteringConfig              `json:"url_filtering"`
	Timing             TimingConfig                    `json:"timing"`
	RedisAddr          string                          `json:"redis_addr,omitempty"`
}

// ActiveEnvironment returns the active environment, honoring the
// BNODE_ENV override.
func (c *Config) ActiveEnvironment() Environment {
	if override := os.Getenv("BNODE_ENV"); override != "" {
		return Environment(override)
	}
	return c.CurrentEnvironment
}

func (c *Config) ActiveAPI() APIConfig {
	return c.API[c.ActiveEnvironment()]
}

func (c *Config) ActiveWebsocket() WebsocketConfig {
	return c.Websocket[c.ActiveEnvironment()]
}

// Load reads and parses a JSON-with-comments config document from path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a JSON-with-comments config document from r.
func Parse(r io.Reader) (*Config, error) {
	// Timing is pre-seeded so a partial (or absent) timing block merges
	// over the defaults rather than zeroing them.
	cfg := &Config{Timing: DefaultTimings()}
	dec := json.NewDecoder(jsonco.New(r))
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Duration is a time.Duration that unmarshals from JSON strings like
// "30s" as well as plain nanosecond integers, so config files can read
// naturally ("rpc_timeout": "30s") while still round-tripping through
// encoding/json's default numeric encoding.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("config: invalid duration value %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
