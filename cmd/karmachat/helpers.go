package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	karmachat "github.com/karmachat/karmachat-go"
)

// loadClientConfig merges the config file (if any) with KARMACHAT_* env vars.
func loadClientConfig() (*karmachat.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &karmachat.Config{}
	if _, statErr := os.Stat(path); statErr == nil {
		if cfg, err = karmachat.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// newClient builds a client from the merged configuration.
func newClient() (*karmachat.Client, *zerolog.Logger, error) {
	cfg, err := loadClientConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger()
	cfg.Logger = &logger
	c, err := karmachat.NewClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	return c, &logger, nil
}

// maskToken shows the first 4 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
