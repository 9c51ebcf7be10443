package config

import "github.com/kelseyhightower/envconfig"

// Config holds application configuration loaded from environment variables.
type Config struct {
	BotToken      string `envconfig:"BOT_TOKEN" required:"true"`
	TelegramAppID int    `envconfig:"TELEGRAM_API_ID" required:"true"`
	TelegramHash  string `envconfig:"TELEGRAM_API_HASH" required:"true"`
	SessionKey    string `envconfig:"SESSION_ENCRYPTION_KEY" required:"true"` // 32-byte AES key, hex-encoded
	SourceBot     string `envconfig:"SOURCE_BOT_USERNAME" default:"MajesticRolePlayBot"`
	DBPath        string `envconfig:"DB_PATH" default:"./data/majestic.db"`
	APIAddr       string `envconfig:"API_ADDR" default:":3000"`
	HTTPAddr      string `envconfig:"HTTP_ADDR" default:":8080"` // healthz
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`  // debug|info|warn|error
	WebAppURL     string `envconfig:"WEB_APP_URL" default:""`
}

// Load reads environment variables into Config.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
