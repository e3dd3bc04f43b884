package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for mautrix-max.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Database   DatabaseConfig   `yaml:"database"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Max        MaxConfig        `yaml:"max"`
	MergeChat  MergeChatConfig  `yaml:"mergechat"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// HomeserverConfig contains Matrix homeserver connection settings.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppServiceConfig contains application service settings.
type AppServiceConfig struct {
	Address         string    `yaml:"address"`
	Hostname        string    `yaml:"hostname"`
	Port            int       `yaml:"port"`
	ID              string    `yaml:"id"`
	Bot             BotConfig `yaml:"bot"`
	ASToken         string    `yaml:"as_token"`
	HSToken         string    `yaml:"hs_token"`
	EphemeralEvents bool      `yaml:"ephemeral_events"`
}

// BotConfig contains the bridge bot user settings.
type BotConfig struct {
	Username    string `yaml:"username"`
	Displayname string `yaml:"displayname"`
	Avatar      string `yaml:"avatar"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// BridgeConfig contains bridge-specific settings.
type BridgeConfig struct {
	Permissions         map[string]string     `yaml:"permissions"`
	UsernameTemplate    string                `yaml:"username_template"`
	DisplaynameTemplate string                `yaml:"displayname_template"`
	Provisioning        ProvisioningConfig    `yaml:"provisioning"`
	MessageHandling     MessageHandlingConfig `yaml:"message_handling"`
}

// ProvisioningConfig controls the login/logout REST API.
type ProvisioningConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Prefix       string `yaml:"prefix"`
	SharedSecret string `yaml:"shared_secret"`
}

// MessageHandlingConfig controls message processing behavior.
type MessageHandlingConfig struct {
	SendReadReceipts bool `yaml:"send_read_receipts"`
	BridgeTyping     bool `yaml:"bridge_typing"`
	SyncDirectChats  bool `yaml:"sync_direct_chat_list"`
}

// MaxConfig contains Max messenger connection settings.
type MaxConfig struct {
	// ConnectionMode picks the default login flow: "bot" for the platform
	// Bot API, "user" for the web client websocket.
	ConnectionMode string `yaml:"connection_mode"`
	BotToken       string `yaml:"bot_token"`
	APIURL         string `yaml:"api_url"`
	WSURL          string `yaml:"ws_url"`
	PollingTimeout int    `yaml:"polling_timeout"`
}

// MergeChatConfig contains license validation settings.
type MergeChatConfig struct {
	LicenseKey string `yaml:"license_key"`
	ServerID   string `yaml:"server_id"`
	APIURL     string `yaml:"api_url"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	MinLevel string `yaml:"min_level"`
	Format   string `yaml:"format"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid and sets defaults.
func (c *Config) Validate() error {
	if c.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is required")
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.AppService.Port == 0 {
		c.AppService.Port = 29360
	}
	if c.AppService.ID == "" {
		c.AppService.ID = "max"
	}
	if c.AppService.Bot.Username == "" {
		c.AppService.Bot.Username = "maxbot"
	}
	if c.AppService.ASToken == "" {
		return fmt.Errorf("appservice.as_token is required")
	}
	if c.AppService.HSToken == "" {
		return fmt.Errorf("appservice.hs_token is required")
	}
	if c.Database.URI == "" {
		return fmt.Errorf("database.uri is required")
	}
	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	// Bridge defaults
	if c.Bridge.UsernameTemplate == "" {
		c.Bridge.UsernameTemplate = "max_{userid}"
	}
	if !strings.Contains(c.Bridge.UsernameTemplate, "{userid}") {
		return fmt.Errorf("bridge.username_template must contain {userid}")
	}
	if c.Bridge.DisplaynameTemplate == "" {
		c.Bridge.DisplaynameTemplate = "{displayname} (Max)"
	}
	if c.Bridge.Provisioning.Prefix == "" {
		c.Bridge.Provisioning.Prefix = "/_matrix/provision"
	}
	if c.Bridge.Provisioning.Enabled && c.Bridge.Provisioning.SharedSecret == "" {
		return fmt.Errorf("bridge.provisioning.shared_secret is required when provisioning is enabled")
	}

	// Max defaults
	switch c.Max.ConnectionMode {
	case "":
		c.Max.ConnectionMode = "bot"
	case "bot", "user":
	default:
		return fmt.Errorf("max.connection_mode must be \"bot\" or \"user\", not %q", c.Max.ConnectionMode)
	}
	if c.Max.APIURL == "" {
		c.Max.APIURL = "https://platform-api.max.ru"
	}
	if c.Max.WSURL == "" {
		c.Max.WSURL = "wss://ws-api.oneme.ru/websocket"
	}
	if c.Max.PollingTimeout == 0 {
		c.Max.PollingTimeout = 30
	}

	// License validation endpoint
	if c.MergeChat.APIURL == "" {
		c.MergeChat.APIURL = "https://api.mergechat.io"
	}
	if c.MergeChat.LicenseKey == "" {
		return fmt.Errorf("mergechat.license_key is required")
	}

	// Logging defaults
	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	// Metrics defaults
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "0.0.0.0:9111"
	}

	return nil
}

// PermissionLevel returns the configured permission level for a Matrix user,
// falling back from the exact mxid to the user's server, then to "*".
func (c *Config) PermissionLevel(mxid string) string {
	if level, ok := c.Bridge.Permissions[mxid]; ok {
		return level
	}
	if _, domain, found := strings.Cut(mxid, ":"); found {
		if level, ok := c.Bridge.Permissions[domain]; ok {
			return level
		}
	}
	return c.Bridge.Permissions["*"]
}

// GhostUsername renders the puppet localpart for a Max user id.
func (c *Config) GhostUsername(userID int64) string {
	return strings.ReplaceAll(c.Bridge.UsernameTemplate, "{userid}", fmt.Sprintf("%d", userID))
}

// GhostDisplayname renders the puppet displayname from profile fields.
func (c *Config) GhostDisplayname(name, username string, userID int64) string {
	out := c.Bridge.DisplaynameTemplate
	out = strings.ReplaceAll(out, "{displayname}", name)
	out = strings.ReplaceAll(out, "{username}", username)
	out = strings.ReplaceAll(out, "{id}", fmt.Sprintf("%d", userID))
	return out
}

// GenerateRegistration creates a Matrix appservice registration YAML.
func (c *Config) GenerateRegistration() string {
	prefix, _, _ := strings.Cut(c.Bridge.UsernameTemplate, "{userid}")
	return fmt.Sprintf(`id: %s
url: %s
as_token: %s
hs_token: %s
sender_localpart: %s
namespaces:
  users:
    - exclusive: true
      regex: '@%s.+:%s'
  aliases: []
  rooms: []
rate_limited: false
de.sorunome.msc2409.push_ephemeral: %t
push_ephemeral: %t
`,
		c.AppService.ID,
		c.AppService.Address,
		c.AppService.ASToken,
		c.AppService.HSToken,
		c.AppService.Bot.Username,
		regexp.QuoteMeta(prefix),
		regexp.QuoteMeta(c.Homeserver.Domain),
		c.AppService.EphemeralEvents,
		c.AppService.EphemeralEvents,
	)
}
