package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	karmachat "github.com/karmachat/karmachat-go"
)

func TestSetConfigValue(t *testing.T) {
	doc := map[string]any{}

	require.NoError(t, setConfigValue(doc, "session.token", "abc"))
	require.NoError(t, setConfigValue(doc, "connection.enable_fallback", "true"))
	require.NoError(t, setConfigValue(doc, "cache.message_cache_size", "25"))
	require.NoError(t, setConfigValue(doc, "limits.requests_per_second", "2.5"))

	assert.Equal(t, "abc", doc["session"].(map[string]any)["token"])
	assert.Equal(t, true, doc["connection"].(map[string]any)["enable_fallback"])

	t.Run("unknown key", func(t *testing.T) {
		assert.Error(t, setConfigValue(doc, "session.colour", "x"))
		assert.Error(t, setConfigValue(doc, "token", "x"))
	})

	t.Run("bad value", func(t *testing.T) {
		assert.Error(t, setConfigValue(doc, "connection.max_reconnect_attempts", "many"))
	})
}

func TestConfigRoundTrip(t *testing.T) {
	flagConfig = filepath.Join(t.TempDir(), "config.toml")
	t.Cleanup(func() { flagConfig = "" })

	path, err := configPath()
	require.NoError(t, err)

	doc, err := loadDocument(path)
	require.NoError(t, err)
	assert.Empty(t, doc)

	require.NoError(t, setConfigValue(doc, "session.token", "tok"))
	require.NoError(t, setConfigValue(doc, "connection.pong_timeout", "5s"))
	require.NoError(t, saveDocument(path, doc))

	cfg, err := karmachat.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Token)

	t.Run("invalid duration is rejected before writing", func(t *testing.T) {
		require.NoError(t, setConfigValue(doc, "connection.ping_interval", "soon"))
		assert.Error(t, saveDocument(path, doc))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "soon")
	})
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "****", maskToken("short"))
	assert.Equal(t, "abcd...6789", maskToken("abcdef0123456789"))
}

func TestPrintKeys(t *testing.T) {
	var out strings.Builder
	printKeys(&out)

	text := out.String()
	for _, section := range []string{"[session]", "[endpoints]", "[connection]", "[cache]", "[limits]"} {
		assert.Contains(t, text, section)
	}
	assert.Regexp(t, `pong_timeout\s+duration`, text)
	assert.Regexp(t, `enable_fallback\s+bool`, text)
	assert.Less(t, strings.Index(text, "[cache]"), strings.Index(text, "[session]"))
}
