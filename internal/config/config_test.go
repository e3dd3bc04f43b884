package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// validMinimalConfig returns a minimal valid configuration for testing.
func validMinimalConfig() *Config {
	return &Config{
		Homeserver: HomeserverConfig{
			Address: "https://m.example.com",
			Domain:  "example.com",
		},
		AppService: AppServiceConfig{
			ASToken: "as_token_abc",
			HSToken: "hs_token_xyz",
		},
		Database: DatabaseConfig{
			URI: "postgres://localhost/test",
		},
		MergeChat: MergeChatConfig{
			LicenseKey: "lic-123",
		},
	}
}

func TestValidate_MinimalValid(t *testing.T) {
	cfg := validMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate minimal config: %v", err)
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// AppService defaults
	if cfg.AppService.Port != 29360 {
		t.Errorf("expected default port 29360, got %d", cfg.AppService.Port)
	}
	if cfg.AppService.ID != "max" {
		t.Errorf("expected default ID 'max', got %s", cfg.AppService.ID)
	}
	if cfg.AppService.Bot.Username != "maxbot" {
		t.Errorf("expected default bot username 'maxbot', got %s", cfg.AppService.Bot.Username)
	}

	// Database defaults
	if cfg.Database.Type != "postgres" {
		t.Errorf("expected default db type 'postgres', got %s", cfg.Database.Type)
	}
	if cfg.Database.MaxOpenConns != 20 {
		t.Errorf("expected default max_open_conns 20, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns != 5 {
		t.Errorf("expected default max_idle_conns 5, got %d", cfg.Database.MaxIdleConns)
	}

	// Bridge defaults
	if cfg.Bridge.UsernameTemplate != "max_{userid}" {
		t.Errorf("expected default username template, got %s", cfg.Bridge.UsernameTemplate)
	}
	if cfg.Bridge.DisplaynameTemplate != "{displayname} (Max)" {
		t.Errorf("expected default displayname template, got %s", cfg.Bridge.DisplaynameTemplate)
	}
	if cfg.Bridge.Provisioning.Prefix != "/_matrix/provision" {
		t.Errorf("expected default provisioning prefix, got %s", cfg.Bridge.Provisioning.Prefix)
	}

	// Max defaults
	if cfg.Max.ConnectionMode != "bot" {
		t.Errorf("expected default connection_mode 'bot', got %s", cfg.Max.ConnectionMode)
	}
	if cfg.Max.APIURL != "https://platform-api.max.ru" {
		t.Errorf("expected default api_url, got %s", cfg.Max.APIURL)
	}
	if cfg.Max.WSURL != "wss://ws-api.oneme.ru/websocket" {
		t.Errorf("expected default ws_url, got %s", cfg.Max.WSURL)
	}
	if cfg.Max.PollingTimeout != 30 {
		t.Errorf("expected default polling_timeout 30, got %d", cfg.Max.PollingTimeout)
	}

	// Logging defaults
	if cfg.Logging.MinLevel != "info" {
		t.Errorf("expected default min_level 'info', got %s", cfg.Logging.MinLevel)
	}

	// Metrics defaults
	if cfg.Metrics.Listen != "0.0.0.0:9111" {
		t.Errorf("expected default metrics listen '0.0.0.0:9111', got %s", cfg.Metrics.Listen)
	}
}

func TestValidate_CustomValuesNotOverwritten(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.AppService.Port = 12345
	cfg.AppService.ID = "custom_id"
	cfg.AppService.Bot.Username = "custom_bot"
	cfg.Database.Type = "sqlite"
	cfg.Database.MaxOpenConns = 50
	cfg.Bridge.UsernameTemplate = "mx_{userid}"
	cfg.Max.ConnectionMode = "user"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.AppService.Port != 12345 {
		t.Errorf("custom port overwritten: %d", cfg.AppService.Port)
	}
	if cfg.AppService.ID != "custom_id" {
		t.Errorf("custom ID overwritten: %s", cfg.AppService.ID)
	}
	if cfg.AppService.Bot.Username != "custom_bot" {
		t.Errorf("custom bot username overwritten: %s", cfg.AppService.Bot.Username)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("custom db type overwritten: %s", cfg.Database.Type)
	}
	if cfg.Database.MaxOpenConns != 50 {
		t.Errorf("custom max_open_conns overwritten: %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Bridge.UsernameTemplate != "mx_{userid}" {
		t.Errorf("custom username template overwritten: %s", cfg.Bridge.UsernameTemplate)
	}
	if cfg.Max.ConnectionMode != "user" {
		t.Errorf("custom connection_mode overwritten: %s", cfg.Max.ConnectionMode)
	}
}

func TestValidate_MissingHomeserverAddress(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Homeserver.Address = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing homeserver address")
	}
	if !strings.Contains(err.Error(), "homeserver.address") {
		t.Errorf("error should mention homeserver.address: %v", err)
	}
}

func TestValidate_MissingHomeserverDomain(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Homeserver.Domain = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing homeserver domain")
	}
	if !strings.Contains(err.Error(), "homeserver.domain") {
		t.Errorf("error should mention homeserver.domain: %v", err)
	}
}

func TestValidate_MissingASToken(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.AppService.ASToken = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing as_token")
	}
	if !strings.Contains(err.Error(), "as_token") {
		t.Errorf("error should mention as_token: %v", err)
	}
}

func TestValidate_MissingHSToken(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.AppService.HSToken = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing hs_token")
	}
	if !strings.Contains(err.Error(), "hs_token") {
		t.Errorf("error should mention hs_token: %v", err)
	}
}

func TestValidate_MissingDatabaseURI(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Database.URI = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing database uri")
	}
	if !strings.Contains(err.Error(), "database.uri") {
		t.Errorf("error should mention database.uri: %v", err)
	}
}

func TestValidate_MissingLicenseKey(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.MergeChat.LicenseKey = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing license key")
	}
	if !strings.Contains(err.Error(), "license_key") {
		t.Errorf("error should mention license_key: %v", err)
	}
}

func TestValidate_BadConnectionMode(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Max.ConnectionMode = "carrier-pigeon"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for bad connection_mode")
	}
	if !strings.Contains(err.Error(), "connection_mode") {
		t.Errorf("error should mention connection_mode: %v", err)
	}
}

func TestValidate_UsernameTemplateMissingPlaceholder(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Bridge.UsernameTemplate = "max_ghost"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for template without {userid}")
	}
	if !strings.Contains(err.Error(), "{userid}") {
		t.Errorf("error should mention {userid}: %v", err)
	}
}

func TestValidate_ProvisioningRequiresSecret(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Bridge.Provisioning.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for provisioning without shared secret")
	}
	if !strings.Contains(err.Error(), "shared_secret") {
		t.Errorf("error should mention shared_secret: %v", err)
	}

	cfg.Bridge.Provisioning.SharedSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate with secret set: %v", err)
	}
}

func TestPermissionLevel(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Bridge.Permissions = map[string]string{
		"@admin:example.com": "admin",
		"example.com":        "user",
		"*":                  "relay",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	tests := []struct {
		mxid string
		want string
	}{
		{"@admin:example.com", "admin"},
		{"@alice:example.com", "user"},
		{"@bob:other.org", "relay"},
	}
	for _, tc := range tests {
		if got := cfg.PermissionLevel(tc.mxid); got != tc.want {
			t.Errorf("PermissionLevel(%q) = %q, want %q", tc.mxid, got, tc.want)
		}
	}
}

func TestGhostTemplates(t *testing.T) {
	cfg := validMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if got := cfg.GhostUsername(12345); got != "max_12345" {
		t.Errorf("GhostUsername(12345) = %q", got)
	}
	if got := cfg.GhostDisplayname("Bob", "bob", 12345); got != "Bob (Max)" {
		t.Errorf("GhostDisplayname = %q", got)
	}

	cfg.Bridge.DisplaynameTemplate = "{displayname} / {username} / {id}"
	if got := cfg.GhostDisplayname("Bob", "bob", 12345); got != "Bob / bob / 12345" {
		t.Errorf("GhostDisplayname with all placeholders = %q", got)
	}
}

func TestGenerateRegistration(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.AppService.Address = "http://localhost:29360"
	cfg.AppService.ASToken = "as_token_test"
	cfg.AppService.HSToken = "hs_token_test"
	cfg.AppService.EphemeralEvents = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	reg := cfg.GenerateRegistration()

	checks := []struct {
		name     string
		contains string
	}{
		{"id", "id: max"},
		{"url", "url: http://localhost:29360"},
		{"as_token", "as_token: as_token_test"},
		{"hs_token", "hs_token: hs_token_test"},
		{"sender_localpart", "sender_localpart: maxbot"},
		{"user regex", "@max_.+:example\\.com"},
		{"ephemeral", "push_ephemeral: true"},
	}

	for _, c := range checks {
		if !strings.Contains(reg, c.contains) {
			t.Errorf("registration missing %s: expected to contain %q", c.name, c.contains)
		}
	}
}

func TestGenerateRegistration_DomainEscaped(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Homeserver.Domain = "m.si46.world"
	cfg.AppService.Address = "http://localhost:29360"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	reg := cfg.GenerateRegistration()

	if !strings.Contains(reg, `m\.si46\.world`) {
		t.Error("domain dots should be escaped in regex")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte("{{invalid yaml"), 0644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_ValidationError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	os.WriteFile(path, []byte("{}"), 0644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for empty config")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
homeserver:
  address: https://m.example.com
  domain: example.com
appservice:
  as_token: "test_as_token"
  hs_token: "test_hs_token"
database:
  uri: "postgres://localhost/test"
max:
  connection_mode: user
mergechat:
  license_key: "lic-123"
`
	os.WriteFile(path, []byte(content), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load valid config: %v", err)
	}

	if cfg.Homeserver.Address != "https://m.example.com" {
		t.Errorf("homeserver address: %s", cfg.Homeserver.Address)
	}
	if cfg.Max.ConnectionMode != "user" {
		t.Errorf("connection_mode: %s", cfg.Max.ConnectionMode)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	t.Setenv("TEST_HS_ADDR", "https://matrix.example.com")
	t.Setenv("TEST_AS_TOKEN", "env_as_token")
	t.Setenv("TEST_HS_TOKEN", "env_hs_token")
	t.Setenv("TEST_DB_URI", "postgres://localhost/testdb")
	t.Setenv("TEST_BOT_TOKEN", "env_bot_token")
	t.Setenv("TEST_LICENSE", "env_license")

	content := `
homeserver:
  address: $TEST_HS_ADDR
  domain: example.com
appservice:
  as_token: $TEST_AS_TOKEN
  hs_token: $TEST_HS_TOKEN
database:
  uri: $TEST_DB_URI
max:
  bot_token: $TEST_BOT_TOKEN
mergechat:
  license_key: $TEST_LICENSE
`
	os.WriteFile(path, []byte(content), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config with env vars: %v", err)
	}

	if cfg.Homeserver.Address != "https://matrix.example.com" {
		t.Errorf("env var not expanded for homeserver.address: %s", cfg.Homeserver.Address)
	}
	if cfg.AppService.ASToken != "env_as_token" {
		t.Errorf("env var not expanded for as_token: %s", cfg.AppService.ASToken)
	}
	if cfg.Max.BotToken != "env_bot_token" {
		t.Errorf("env var not expanded for bot_token: %s", cfg.Max.BotToken)
	}
	if cfg.MergeChat.LicenseKey != "env_license" {
		t.Errorf("env var not expanded for license_key: %s", cfg.MergeChat.LicenseKey)
	}
}
