// Package config defines herald's TOML configuration surface.
//
// A single config.toml describes the queue filesystem, the runner fleet,
// the list source, outbound relay, archive storage, digest spooling and
// the LMTP/admin endpoints. Durations are strings ("30s", "15m", "1d")
// parsed through helpers.ParseDuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/herald/helpers"
)

// LoggingConfig controls log output.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog", or a file path
	Format string `toml:"format"` // "json" or "console"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// QueuesConfig describes the shared queue filesystem.
type QueuesConfig struct {
	// Path is the root directory holding one subdirectory per queue.
	// All runner processes sharing state must point at the same path.
	Path string `toml:"path"`

	// RecoverGrace is how old a staged (claimed) record must be before a
	// starting runner treats its owner as dead and returns it to the
	// ready set.
	RecoverGrace string `toml:"recover_grace"`
}

func (q *QueuesConfig) GetRecoverGrace() (time.Duration, error) {
	if q.RecoverGrace == "" {
		return 15 * time.Minute, nil
	}
	return helpers.ParseDuration(q.RecoverGrace)
}

// RunnerConfig configures one runner instance. Sections are keyed by the
// queue the runner drains: [runners.incoming], [runners.outgoing], ...
type RunnerConfig struct {
	PollInterval    string  `toml:"poll_interval"`    // idle sleep between drain cycles (default: "1m")
	ProcessTimeout  string  `toml:"process_timeout"`  // deadline for one processing attempt (default: "2m")
	MaxRetries      int     `toml:"max_retries"`      // transient failures before shunting (default: 3)
	RetryInitial    string  `toml:"retry_initial"`    // first backoff delay (default: "1m")
	RetryMax        string  `toml:"retry_max"`        // backoff cap (default: "1h")
	RetryMultiplier float64 `toml:"retry_multiplier"` // backoff growth factor (default: 2.0)
	RetryJitter     *bool   `toml:"retry_jitter"`     // randomize delays (default: true)
	ShardIndex      int     `toml:"shard_index"`      // this runner's shard (default: 0)
	ShardCount      int     `toml:"shard_count"`      // total shards for this queue (default: 1)
}

func (r *RunnerConfig) GetPollInterval() (time.Duration, error) {
	if r.PollInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(r.PollInterval)
}

func (r *RunnerConfig) GetProcessTimeout() (time.Duration, error) {
	if r.ProcessTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(r.ProcessTimeout)
}

func (r *RunnerConfig) GetMaxRetries() int {
	if r.MaxRetries <= 0 {
		return 3
	}
	return r.MaxRetries
}

func (r *RunnerConfig) GetRetryInitial() (time.Duration, error) {
	if r.RetryInitial == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(r.RetryInitial)
}

func (r *RunnerConfig) GetRetryMax() (time.Duration, error) {
	if r.RetryMax == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(r.RetryMax)
}

func (r *RunnerConfig) GetRetryMultiplier() float64 {
	if r.RetryMultiplier <= 1 {
		return 2.0
	}
	return r.RetryMultiplier
}

func (r *RunnerConfig) GetRetryJitter() bool {
	if r.RetryJitter == nil {
		return true
	}
	return *r.RetryJitter
}

func (r *RunnerConfig) GetShardCount() int {
	if r.ShardCount <= 0 {
		return 1
	}
	return r.ShardCount
}

// LinkConfig is one (rule, action) pair of a list's rule chain.
type LinkConfig struct {
	Rule   string `toml:"rule"`
	Action string `toml:"action"` // "hold", "discard", "reject", "defer", "accept"
}

// ListConfig is the static definition of one mailing list. When the list
// source is "postgres" the same shape is loaded from the lists table
// instead.
type ListConfig struct {
	Name           string   `toml:"name"`    // stable list name, e.g. "announce"
	Address        string   `toml:"address"` // posting address, e.g. "announce@example.com"
	Owner          string   `toml:"owner"`   // notices about the list go here
	SubjectPrefix  string   `toml:"subject_prefix"`
	MaxMessageSize int64    `toml:"max_message_size"` // bytes; 0 disables the max-size rule
	Emergency      bool     `toml:"emergency"`        // hold everything for moderation
	Archive        bool     `toml:"archive"`
	Digest         bool     `toml:"digest"`
	BannedSenders  []string `toml:"banned_senders"`
	Suspicious     string   `toml:"suspicious"`   // regexp over the envelope sender
	SieveScript    string   `toml:"sieve_script"` // inline Sieve source for the sieve-gate rule
	Members        []string `toml:"members"`      // delivery recipients (from the external membership store)

	Chain    []LinkConfig `toml:"chain"`    // empty means the default chain
	Pipeline []string     `toml:"pipeline"` // empty means the default pipeline
}

// PostgresConfig connects the read-only list-configuration feed.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	TLSMode  bool   `toml:"tls"`
}

func (p *PostgresConfig) ConnString() string {
	sslmode := "disable"
	if p.TLSMode {
		sslmode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Name, sslmode)
}

// ListsConfig selects where list definitions come from. Definitions are
// loaded at runner start (and on the reload signal), never mid-cycle.
type ListsConfig struct {
	Source   string         `toml:"source"` // "static" (default) or "postgres"
	Static   []ListConfig   `toml:"static"`
	Postgres PostgresConfig `toml:"postgres"`
}

// RelayConfig configures the outbound SMTP relay used by the outgoing and
// bounce runners.
type RelayConfig struct {
	Host      string `toml:"host"`       // "smtp.example.com:465"
	TLS       bool   `toml:"tls"`        // direct TLS (default: true)
	TLSVerify *bool  `toml:"tls_verify"` // verify certificates (default: true)
	StartTLS  bool   `toml:"starttls"`   // STARTTLS instead of direct TLS
	Username  string `toml:"username"`   // SASL PLAIN credentials, optional
	Password  string `toml:"password"`
}

func (r *RelayConfig) GetTLSVerify() bool {
	if r.TLSVerify == nil {
		return true
	}
	return *r.TLSVerify
}

// ArchiveConfig configures the S3-compatible archive store.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"` // 32-byte hex key for AES-256-GCM
	Trace         bool   `toml:"trace"`
}

// DigestConfig configures per-list digest spooling.
type DigestConfig struct {
	Path string `toml:"path"` // spool directory, one mbox per list
}

// LMTPConfig configures the inbound LMTP listener.
type LMTPConfig struct {
	Enabled        bool   `toml:"enabled"`
	Addr           string `toml:"addr"` // e.g. ":24"
	MaxMessageSize int64  `toml:"max_message_size"`
}

// AdminConfig configures the moderation/operations HTTP API.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`    // e.g. "127.0.0.1:8970"
	APIKey  string `toml:"api_key"` // required when enabled
}

// LedgerConfig configures the hold ledger database.
type LedgerConfig struct {
	Path string `toml:"path"` // SQLite file; empty derives <queues.path>/ledger.db
}

// Config is the top-level configuration document.
type Config struct {
	Hostname string                  `toml:"hostname"`
	Logging  LoggingConfig           `toml:"logging"`
	Queues   QueuesConfig            `toml:"queues"`
	Runners  map[string]RunnerConfig `toml:"runners"`
	Lists    ListsConfig             `toml:"lists"`
	Relay    RelayConfig             `toml:"relay"`
	Archive  ArchiveConfig           `toml:"archive"`
	Digest   DigestConfig            `toml:"digest"`
	LMTP     LMTPConfig              `toml:"lmtp"`
	Admin    AdminConfig             `toml:"admin"`
	Ledger   LedgerConfig            `toml:"ledger"`
}

// NewDefaultConfig returns a configuration with workable defaults for a
// single-process deployment.
func NewDefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		Hostname: hostname,
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Queues: QueuesConfig{
			Path:         "/var/spool/herald",
			RecoverGrace: "15m",
		},
		Runners: map[string]RunnerConfig{},
		Lists:   ListsConfig{Source: "static"},
		Relay:   RelayConfig{TLS: true},
		Digest:  DigestConfig{Path: "/var/spool/herald/digests"},
	}
}

// LoadFromFile decodes TOML from path over the receiver's current values.
func (c *Config) LoadFromFile(path string) error {
	metadata, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("unknown configuration keys in %s: %v", path, keys)
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Queues.Path == "" {
		return fmt.Errorf("queues.path must be set")
	}
	if _, err := c.Queues.GetRecoverGrace(); err != nil {
		return fmt.Errorf("queues.recover_grace: %w", err)
	}
	for name, rc := range c.Runners {
		if _, err := rc.GetPollInterval(); err != nil {
			return fmt.Errorf("runners.%s.poll_interval: %w", name, err)
		}
		if _, err := rc.GetProcessTimeout(); err != nil {
			return fmt.Errorf("runners.%s.process_timeout: %w", name, err)
		}
		if _, err := rc.GetRetryInitial(); err != nil {
			return fmt.Errorf("runners.%s.retry_initial: %w", name, err)
		}
		if _, err := rc.GetRetryMax(); err != nil {
			return fmt.Errorf("runners.%s.retry_max: %w", name, err)
		}
		if rc.ShardIndex < 0 || rc.ShardIndex >= rc.GetShardCount() {
			return fmt.Errorf("runners.%s: shard_index %d outside [0, %d)", name, rc.ShardIndex, rc.GetShardCount())
		}
	}
	switch c.Lists.Source {
	case "", "static":
		seen := make(map[string]bool)
		for i := range c.Lists.Static {
			l := &c.Lists.Static[i]
			if l.Name == "" {
				return fmt.Errorf("lists.static[%d]: name must be set", i)
			}
			if seen[l.Name] {
				return fmt.Errorf("lists.static: duplicate list name %q", l.Name)
			}
			seen[l.Name] = true
			if l.Address == "" {
				return fmt.Errorf("lists.static[%d] (%s): address must be set", i, l.Name)
			}
		}
	case "postgres":
		p := c.Lists.Postgres
		if p.Host == "" || p.Name == "" {
			return fmt.Errorf("lists.postgres: host and name must be set")
		}
	default:
		return fmt.Errorf("lists.source must be \"static\" or \"postgres\", got %q", c.Lists.Source)
	}
	if c.Admin.Enabled && c.Admin.APIKey == "" {
		return fmt.Errorf("admin.api_key must be set when the admin API is enabled")
	}
	if c.Archive.Enabled {
		a := c.Archive
		if a.Endpoint == "" || a.Bucket == "" {
			return fmt.Errorf("archive: endpoint and bucket must be set when enabled")
		}
		if a.Encrypt && a.EncryptionKey == "" {
			return fmt.Errorf("archive: encryption_key must be set when encrypt is enabled")
		}
	}
	return nil
}
