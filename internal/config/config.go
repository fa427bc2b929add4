// Package config loads the engine configuration: data paths, the initial
// relay set, initial accounts and a few behavior toggles. Collaborators
// (the chrome, the columns UI) pass everything else at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the recognized option set.
type Config struct {
	// Datapath is the base directory for all local state.
	Datapath string `mapstructure:"datapath"`
	// DBPath overrides the event database location; empty means
	// <datapath>/db.
	DBPath string `mapstructure:"dbpath"`
	// Relays is the initial bootstrapping relay set.
	Relays []string `mapstructure:"relays"`
	// Keys lists initial account public keys (npub or hex).
	Keys []string `mapstructure:"keys"`
	// UseKeystore enables OS keychain integration in the chrome.
	UseKeystore bool `mapstructure:"use_keystore"`
	// LightTheme is passed through to the UI.
	LightTheme bool `mapstructure:"light_theme"`
	// Debug enables verbose logging and the diagnostics endpoint.
	Debug bool `mapstructure:"debug"`
	// DiagnosticsListen is the diagnostics HTTP address, used when Debug
	// is set.
	DiagnosticsListen string `mapstructure:"diagnostics_listen"`
}

// Load reads config.yaml (working directory, ./config, ~/.notedeck) with
// NOTEDECK_* environment overrides.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("$HOME/.notedeck")

	setDefaults()

	viper.SetEnvPrefix("NOTEDECK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Info().Msg("No config file found, using defaults")
		} else {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults() {
	home, _ := os.UserHomeDir()
	viper.SetDefault("datapath", filepath.Join(home, ".notedeck"))
	viper.SetDefault("dbpath", "")
	viper.SetDefault("relays", []string{
		"wss://relay.damus.io",
		"wss://nos.lol",
		"wss://relay.nostr.band",
		"wss://relay.primal.net",
	})
	viper.SetDefault("keys", []string{})
	viper.SetDefault("use_keystore", true)
	viper.SetDefault("light_theme", false)
	viper.SetDefault("debug", false)
	viper.SetDefault("diagnostics_listen", "127.0.0.1:9457")
}

// normalize resolves derived paths and decodes npub keys to hex.
func (c *Config) normalize() error {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.Datapath, "db")
	}

	for i, key := range c.Keys {
		hex, err := KeyToHex(key)
		if err != nil {
			return fmt.Errorf("config: key %q: %w", key, err)
		}
		c.Keys[i] = hex
	}
	return nil
}

// KeyToHex accepts an npub or 64-char hex pubkey and returns hex.
func KeyToHex(key string) (string, error) {
	if len(key) == 64 {
		return key, nil
	}
	prefix, value, err := nip19.Decode(key)
	if err != nil {
		return "", fmt.Errorf("not hex and not bech32: %w", err)
	}
	if prefix != "npub" {
		return "", fmt.Errorf("expected npub, got %s", prefix)
	}
	pk, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected npub payload")
	}
	return pk, nil
}

// EnsureDatapath creates the data directory tree.
func (c *Config) EnsureDatapath() error {
	if err := os.MkdirAll(c.Datapath, 0o755); err != nil {
		return fmt.Errorf("config: datapath: %w", err)
	}
	if err := os.MkdirAll(c.DBPath, 0o755); err != nil {
		return fmt.Errorf("config: dbpath: %w", err)
	}
	return nil
}
