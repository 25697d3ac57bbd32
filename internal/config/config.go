package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "RELEVO"
	defaultDatabasePath = "relevo.db"
	defaultServerURL    = "http://localhost:8080"
	defaultLogLevel     = "info"
	defaultHTTPAddress  = "0.0.0.0:8080"
)

// AppConfig captures runtime configuration for the client.
type AppConfig struct {
	DatabasePath string
	ServerURL    string
	LogLevel     string
}

// ServerConfig captures runtime configuration for the reference sync server.
type ServerConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	LogLevel      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("http.address", defaultHTTPAddress)
}

// Load parses client configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath: configViper.GetString("database.path"),
		ServerURL:    configViper.GetString("server.url"),
		LogLevel:     configViper.GetString("log.level"),
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return AppConfig{}, fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return AppConfig{}, fmt.Errorf("server.url is required")
	}
	return cfg, nil
}

// LoadServer parses server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		LogLevel:      configViper.GetString("log.level"),
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return ServerConfig{}, fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return ServerConfig{}, fmt.Errorf("auth.signing_secret is required")
	}
	return cfg, nil
}
