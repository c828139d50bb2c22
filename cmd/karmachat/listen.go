package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	karmachat "github.com/karmachat/karmachat-go"
)

var listenChannels []string

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().StringSliceVarP(&listenChannels, "channel", "c", nil, "Extra channel IDs to subscribe to")
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect to the gateway and print events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, logger, err := newClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client.OnAny(func(e karmachat.Event) { logEvent(logger, e) })

		if err := client.Login(ctx); err != nil {
			return err
		}
		defer client.Destroy(context.Background(), true)

		for _, ch := range listenChannels {
			if err := client.Subscribe(ctx, ch); err != nil {
				logger.Warn().Err(err).Str("channel", ch).Msg("subscribe failed")
			}
		}

		<-ctx.Done()
		logger.Info().Msg("shutting down")
		return nil
	},
}

// logEvent prints one event with the fields worth reading at a terminal.
func logEvent(logger *zerolog.Logger, e karmachat.Event) {
	switch d := e.Data.(type) {
	case karmachat.ReadyInfo:
		logger.Info().
			Str("user", d.UserID).
			Str("connection", d.ConnectionID).
			Str("transport", d.Transport).
			Msg("ready")
	case karmachat.MessageCreateEvent:
		logger.Info().
			Str("event", string(e.Name)).
			Str("channel", d.Message.ChannelID).
			Str("author", authorName(d.Message)).
			Bool("private", d.IsPrivate).
			Msg(d.Message.Content)
	case karmachat.MessageUpdateEvent:
		logger.Info().Str("event", string(e.Name)).Str("id", d.New.ID).Msg(d.New.Content)
	case karmachat.MessageDeleteEvent:
		logger.Info().Str("event", string(e.Name)).Str("id", d.Message.ID).Send()
	case karmachat.ReactionAddEvent:
		logger.Info().Str("event", string(e.Name)).Str("message", d.Message.ID).Msg(d.Emoji)
	case karmachat.GiftMessageEvent:
		ev := logger.Info().Str("event", string(e.Name)).Int("karma", d.KarmaCredited)
		if d.Gift != nil {
			ev = ev.Str("gift", d.Gift.Name)
		}
		ev.Send()
	case karmachat.ReconnectingEvent:
		logger.Warn().Str("event", string(e.Name)).Int("attempt", d.Attempt).Dur("delay", d.Delay).Send()
	case error:
		logger.Error().Str("event", string(e.Name)).Err(d).Send()
	case string:
		if e.Name == karmachat.EventDebug {
			logger.Debug().Msg(d)
		} else {
			logger.Info().Str("event", string(e.Name)).Msg(d)
		}
	default:
		if e.Name == karmachat.EventRaw || e.Name == karmachat.EventPing {
			logger.Debug().Str("event", string(e.Name)).Send()
			return
		}
		logger.Info().Str("event", string(e.Name)).Interface("data", d).Send()
	}
}

func authorName(m *karmachat.Message) string {
	if m.Author == nil {
		return ""
	}
	return valueOrDefault(m.Author.DisplayName, m.Author.ID)
}
