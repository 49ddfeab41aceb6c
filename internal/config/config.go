package config

import (
	"fmt"
	"os"
	"strings"

	"geminigate-go/internal/store"

	"github.com/joho/godotenv"
)

// ServerConfig controls the listening socket.
type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// APIConfig points at the upstream streaming backend.
type APIConfig struct {
	URL       string `json:"url"`
	ModelsURL string `json:"modelsUrl"`
	Host      string `json:"host"`
	UserAgent string `json:"userAgent"`
}

// OAuthConfig carries the identity-provider client credentials.
type OAuthConfig struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	TokenURL     string `json:"tokenUrl"`
	RedirectURI  string `json:"redirectUri"`
}

// DefaultsConfig supplies generation parameter fallbacks.
type DefaultsConfig struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
	MaxTokens   int     `json:"max_tokens"`
}

// SecurityConfig covers request limits and local secrets.
type SecurityConfig struct {
	MaxRequestSize int64  `json:"maxRequestSize"`
	APIKey         string `json:"apiKey"`
	AdminPassword  string `json:"adminPassword"`
	Debug          bool   `json:"debug,omitempty"`
	LogFile        string `json:"logFile,omitempty"`
}

// Config is the root configuration persisted as config.json in the data dir.
type Config struct {
	Server            ServerConfig   `json:"server"`
	API               APIConfig      `json:"api"`
	OAuth             OAuthConfig    `json:"oauth"`
	Defaults          DefaultsConfig `json:"defaults"`
	Security          SecurityConfig `json:"security"`
	SystemInstruction string         `json:"systemInstruction"`
}

// Default returns the built-in configuration. No upstream host is baked in
// beyond these defaults; everything is overridable via config.json.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8045, Host: "0.0.0.0"},
		API: APIConfig{
			URL:       "https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent",
			ModelsURL: "https://cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels",
			Host:      "cloudcode-pa.googleapis.com",
			UserAgent: "google-api-nodejs-client/9.15.1",
		},
		OAuth: OAuthConfig{
			TokenURL:    "https://oauth2.googleapis.com/token",
			RedirectURI: "http://localhost:8045/oauth2/callback",
		},
		Defaults: DefaultsConfig{
			Temperature: 1.0,
			TopP:        0.95,
			TopK:        64,
			MaxTokens:   65535,
		},
		Security: SecurityConfig{
			MaxRequestSize: 50 * 1024 * 1024,
		},
		SystemInstruction: "You are a helpful assistant.",
	}
}

// Load reads config.json from the store, layering it over the defaults and
// then applying environment overrides. A missing file yields the defaults; a
// corrupt file is a hard error.
func Load(s *store.Store) (*Config, error) {
	// Best effort .env support; absence is fine.
	_ = godotenv.Load()

	cfg := Default()
	if err := s.Load(store.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills OAuth client credentials from the environment when the file
// left them empty.
func (c *Config) applyEnv() {
	if c.OAuth.ClientID == "" {
		c.OAuth.ClientID = strings.TrimSpace(os.Getenv("OAUTH_CLIENT_ID"))
	}
	if c.OAuth.ClientSecret == "" {
		c.OAuth.ClientSecret = strings.TrimSpace(os.Getenv("OAUTH_CLIENT_SECRET"))
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if strings.TrimSpace(c.API.URL) == "" {
		return fmt.Errorf("api.url must be configured")
	}
	if strings.TrimSpace(c.OAuth.TokenURL) == "" {
		return fmt.Errorf("oauth.tokenUrl must be configured")
	}
	if c.Security.MaxRequestSize <= 0 {
		c.Security.MaxRequestSize = Default().Security.MaxRequestSize
	}
	return nil
}

// Addr returns the host:port the server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
