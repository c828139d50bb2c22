package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	karmachat "github.com/karmachat/karmachat-go"
)

// ============================================================================
// Config file
// ============================================================================

var (
	flagConfig  string
	flagVerbose bool
)

// configKinds lists every settable key and the TOML type it is stored as.
var configKinds = map[string]string{
	"session.token":                     "string",
	"session.client_version":            "string",
	"endpoints.api":                     "string",
	"endpoints.gateway":                 "string",
	"endpoints.polling":                 "string",
	"connection.enable_fallback":        "bool",
	"connection.max_reconnect_attempts": "int",
	"connection.reconnect_base_delay":   "string",
	"connection.reconnect_max_delay":    "string",
	"connection.ping_interval":          "string",
	"connection.pong_timeout":           "string",
	"cache.message_cache_size":          "int",
	"limits.requests_per_second":        "float",
	"limits.request_burst":              "int",
}

// configPath returns --config or ~/.karmachat/config.toml, creating the
// directory if needed.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine home directory")
	}
	dir := filepath.Join(home, ".karmachat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "cannot create config directory")
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadDocument reads the config file as a generic TOML document.
// A missing file yields an empty document.
func loadDocument(path string) (map[string]any, error) {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, errors.Wrap(err, "cannot read config")
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "cannot parse config")
	}
	return doc, nil
}

// saveDocument validates doc against the client config format and writes it.
func saveDocument(path string, doc map[string]any) error {
	data, err := toml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "cannot marshal config")
	}
	if _, err := karmachat.ParseConfig(data); err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(path, data, 0o600), "cannot write config")
}

// setConfigValue sets a key using dot notation (e.g. "session.token").
func setConfigValue(doc map[string]any, key, value string) error {
	kind, ok := configKinds[key]
	if !ok {
		return errors.Errorf("unknown config key %q", key)
	}
	section, field, _ := strings.Cut(key, ".")

	var v any
	var err error
	switch kind {
	case "bool":
		v, err = strconv.ParseBool(value)
	case "int":
		v, err = strconv.ParseInt(value, 10, 64)
	case "float":
		v, err = strconv.ParseFloat(value, 64)
	default:
		v = value
	}
	if err != nil {
		return errors.Wrapf(err, "invalid value for %s", key)
	}

	tbl, _ := doc[section].(map[string]any)
	if tbl == nil {
		tbl = map[string]any{}
		doc[section] = tbl
	}
	tbl[field] = v
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "karmachat",
	Short: "KarmaChat client CLI",
	Long:  "Command-line interface for the KarmaChat client library.\nManage configuration, listen to gateway events, and send messages.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional.
		_ = godotenv.Load()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.karmachat/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
