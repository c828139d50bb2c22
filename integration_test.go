//go:build integration

package karmachat_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	karmachat "github.com/karmachat/karmachat-go"
)

// helpers ---------------------------------------------------------------

func newClient(t *testing.T) *karmachat.Client {
	t.Helper()
	_ = godotenv.Load()
	if os.Getenv("KARMACHAT_TOKEN") == "" {
		t.Skip("KARMACHAT_TOKEN is required for integration tests")
	}

	cfg := &karmachat.Config{}
	cfg.ApplyEnv()
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.InfoLevel)
	cfg.Logger = &logger

	c, err := karmachat.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Destroy(context.Background(), true) })
	return c
}

func testDialogue(t *testing.T) string {
	t.Helper()
	id := os.Getenv("KARMACHAT_TEST_DIALOGUE")
	if id == "" {
		t.Skip("KARMACHAT_TEST_DIALOGUE is required")
	}
	return id
}

// =======================================================================
// Session
// =======================================================================

func TestIntegrationLogin(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, c.Login(ctx))
	assert.Equal(t, karmachat.StateReady, c.State())
	require.NotNil(t, c.Me())
	assert.NotEmpty(t, c.Session().PrivateChannelID())
}

// =======================================================================
// Messages
// =======================================================================

func TestIntegrationMessageRoundTrip(t *testing.T) {
	c := newClient(t)
	dialogueID := testDialogue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	require.NoError(t, c.Login(ctx))

	text := fmt.Sprintf("integration %d", time.Now().UnixNano())
	m, err := c.SendMessage(ctx, dialogueID, text, nil)
	require.NoError(t, err)
	assert.Equal(t, text, m.Content)

	edited, err := c.EditMessage(ctx, dialogueID, m.ID, text+" (edited)")
	require.NoError(t, err)
	assert.Same(t, m, edited)

	require.NoError(t, c.React(ctx, dialogueID, m.ID, "👍"))
	require.NoError(t, c.DeleteMessage(ctx, dialogueID, m.ID))
	assert.True(t, m.Deleted)
}
