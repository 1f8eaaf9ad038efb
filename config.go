package skylink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/skylink-telemetry/skylink/eddn"
)

// Config is the agent's configuration. Values come from SKYLINK_*
// environment variables; the command line overrides them.
type Config struct {
	JournalDir string `env:"SKYLINK_JOURNAL_DIR"`
	DataDir    string `env:"SKYLINK_DATA_DIR"`
	RulesFile  string `env:"SKYLINK_RULES_FILE" envDefault:"events.json"`

	APIURL       string `env:"SKYLINK_API_URL"`
	HeartbeatURL string `env:"SKYLINK_HEARTBEAT_URL"`
	UserAgent    string `env:"SKYLINK_USER_AGENT" envDefault:"SkyLink-Client/1.0"`

	EDDNURL            string `env:"SKYLINK_EDDN_URL" envDefault:"https://eddn.edcd.io:4430/upload/"`
	EDDNEnabled        bool   `env:"SKYLINK_EDDN_ENABLED" envDefault:"true"`
	EDDNGzip           bool   `env:"SKYLINK_EDDN_GZIP" envDefault:"true"`
	EDDNForwardIgnored bool   `env:"SKYLINK_EDDN_FORWARD_IGNORED"`
	SoftwareName       string `env:"SKYLINK_SOFTWARE_NAME" envDefault:"skybioml.net"`
	SoftwareVersion    string `env:"SKYLINK_SOFTWARE_VERSION" envDefault:"1.4.0"`

	RequestTimeout    time.Duration `env:"SKYLINK_REQUEST_TIMEOUT" envDefault:"10s"`
	EDDNTimeout       time.Duration `env:"SKYLINK_EDDN_TIMEOUT" envDefault:"8s"`
	HeartbeatInterval time.Duration `env:"SKYLINK_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"SKYLINK_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	OfflineTTL        time.Duration `env:"SKYLINK_OFFLINE_TTL" envDefault:"120s"`
	OfflineRetryPause time.Duration `env:"SKYLINK_OFFLINE_RETRY_PAUSE" envDefault:"10s"`
	IdleTimeout       time.Duration `env:"SKYLINK_IDLE_TIMEOUT" envDefault:"1s"`
	RateLimitDefault  time.Duration `env:"SKYLINK_RATE_LIMIT_DEFAULT" envDefault:"60s"`
	ShutdownGrace     time.Duration `env:"SKYLINK_SHUTDOWN_GRACE" envDefault:"1s"`

	HTTPAddr string `env:"SKYLINK_HTTP_ADDR"`

	MQTTHost  string `env:"SKYLINK_MQTT_HOST"`
	MQTTUser  string `env:"SKYLINK_MQTT_USER"`
	MQTTPass  string `env:"SKYLINK_MQTT_PASS"`
	MQTTTopic string `env:"SKYLINK_MQTT_TOPIC" envDefault:"skylink"`

	BugsnagAPIKey string   `env:"SKYLINK_BUGSNAG_API_KEY"`
	GameProcesses []string `env:"SKYLINK_GAME_PROCESSES" envDefault:"EliteDangerous64.exe"`

	ScreenRefresh time.Duration `env:"SKYLINK_SCREEN_REFRESH"`
	Verbose       bool          `env:"SKYLINK_VERBOSE"`
}

// LoadConfigFromEnv parses the environment and fills in the directory
// defaults that depend on the user's home.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	err := env.Parse(&cfg)
	cfg.applyDefaults()
	if err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.JournalDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.JournalDir = filepath.Join(home, "Saved Games", "Frontier Developments", "Elite Dangerous")
		}
	}
	if c.DataDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			c.DataDir = filepath.Join(dir, "SkyLink")
		} else {
			c.DataDir = "."
		}
	}
	if c.RulesFile == "" {
		c.RulesFile = "events.json"
	}
	if c.EDDNURL == "" {
		c.EDDNURL = eddn.DefaultUploadURL
	}
	if c.MQTTTopic == "" {
		c.MQTTTopic = "skylink"
	}
}

// HeartbeatEndpoint is HeartbeatURL, or <APIURL>/heartbeat.
func (c Config) HeartbeatEndpoint() string {
	if c.HeartbeatURL != "" {
		return c.HeartbeatURL
	}
	if c.APIURL == "" {
		return ""
	}
	return strings.TrimRight(c.APIURL, "/") + "/heartbeat"
}

// RulesPath resolves RulesFile against DataDir when it is relative.
func (c Config) RulesPath() string {
	if filepath.IsAbs(c.RulesFile) {
		return c.RulesFile
	}
	return filepath.Join(c.DataDir, c.RulesFile)
}

// AccountsPath is the account registry file.
func (c Config) AccountsPath() string {
	return filepath.Join(c.DataDir, "accounts.json")
}

// DedupCachePath is the deduplication cache file. The reinstall marker
// (ClearCacheMarker) lives next to it.
func (c Config) DedupCachePath() string {
	return filepath.Join(c.DataDir, "deduplication_cache.json")
}
