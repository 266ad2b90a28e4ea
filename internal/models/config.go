package models

// Config is the full application configuration, loaded from YAML.
type Config struct {
	HomeserverURL string `yaml:"homeserver_url"`
	ServerName    string `yaml:"server_name"`

	HSToken    string `yaml:"hs_token"`
	ASToken    string `yaml:"as_token"`
	AdminToken string `yaml:"admin_token"`

	ASID        string `yaml:"as_id"`
	ASLocalpart string `yaml:"as_localpart"`

	BotDisplayName string   `yaml:"bot_displayname"`
	BotAllowUsers  []string `yaml:"bot_allow_users"`

	PathToImportFiles string `yaml:"path_to_import_files"`
	DatabaseLocation  string `yaml:"database_location"`

	Port    int    `yaml:"port"`
	SpaceID string `yaml:"space_id"`

	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Retry    RetryConfig   `yaml:"retry"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	UseStdout    bool    `yaml:"use_stdout"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Environment  string  `yaml:"environment"`
}

// RetryConfig tunes backoff for remote API and database retries.
type RetryConfig struct {
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
	MaxAttempts      int `yaml:"max_attempts"`
}

// BotUserID returns the fully qualified Matrix user id of the bot.
func (c *Config) BotUserID() string {
	return "@" + c.ASLocalpart + ":" + c.ServerName
}

// IsAllowedUser reports whether sender may drive the bot with commands
// and import uploads.
func (c *Config) IsAllowedUser(sender string) bool {
	for _, u := range c.BotAllowUsers {
		if u == sender {
			return true
		}
	}
	return false
}
