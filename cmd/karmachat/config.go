package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configKeysCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage client configuration",
	Long: `View or modify the client configuration (default ~/.karmachat/config.toml).

Sections:
  [session]     token and client version sent with AUTH
  [endpoints]   API, websocket gateway and long-poll fallback URLs
  [connection]  fallback switch, reconnect budget, backoff, heartbeat timing
  [cache]       per-dialogue message history bound
  [limits]      outbound API rate limit

KARMACHAT_* environment variables and a local .env file override the file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			fmt.Fprintf(cmd.OutOrStdout(), "No configuration at %s. Run 'karmachat init <token>' to create one.\n", path)
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "cannot read config file")
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.key> <value>",
	Short: "Set one configuration value",
	Example: `  karmachat config set endpoints.gateway wss://gateway.example.com/socket
  karmachat config set connection.enable_fallback true
  karmachat config set connection.pong_timeout 45s
  karmachat config set cache.message_cache_size 100`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		path, err := configPath()
		if err != nil {
			return err
		}
		doc, err := loadDocument(path)
		if err != nil {
			return err
		}
		if err := setConfigValue(doc, key, value); err != nil {
			return err
		}
		if err := saveDocument(path, doc); err != nil {
			return errors.Wrap(err, "config not saved")
		}

		if key == "session.token" {
			value = maskToken(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable keys grouped by section",
	Run: func(cmd *cobra.Command, args []string) {
		printKeys(cmd.OutOrStdout())
	},
}

func printKeys(w io.Writer) {
	keys := make([]string, 0, len(configKinds))
	for k := range configKinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	section := ""
	for _, k := range keys {
		sec, field, _ := strings.Cut(k, ".")
		if sec != section {
			section = sec
			fmt.Fprintf(w, "[%s]\n", sec)
		}
		kind := configKinds[k]
		if strings.HasSuffix(field, "_delay") || strings.HasSuffix(field, "_interval") || strings.HasSuffix(field, "_timeout") {
			kind = "duration"
		}
		fmt.Fprintf(w, "  %-24s %s\n", field, kind)
	}
}
