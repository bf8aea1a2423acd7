// Command playback-demo answers incoming calls, plays a prompt, and
// lets DTMF tones drive playback transport: 4 reverse, 5 pause/resume,
// 6 forward, 8 restart, # stop and hang up.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	ari "github.com/glyphCezilleSantillan/node-ari-client"
	"github.com/glyphCezilleSantillan/node-ari-client/internal/telemetry"
)

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Str("app", "playback-demo").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if tp, err := telemetry.InitTracer(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "playback-demo"); err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled")
	} else if tp != nil {
		defer tp.Shutdown(context.Background())
	}

	opts := ari.OptionsFromEnv()
	opts.Logger = &logger

	client, err := ari.Connect(ctx, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer client.Close()

	sound := os.Getenv("DEMO_SOUND")
	if sound == "" {
		sound = "sound:demo-congrats"
	}

	for _, name := range client.ApplicationNames() {
		if err := client.Application(ctx, name, func(c *ari.Client, ch *ari.ChannelHandle, ev *ari.Event) {
			handleCall(ctx, logger, c, ch, sound)
		}); err != nil {
			logger.Fatal().Err(err).Str("application", name).Msg("failed to register handler")
		}
	}

	logger.Info().Strs("apps", client.ApplicationNames()).Msg("waiting for calls")
	<-ctx.Done()
}

func handleCall(ctx context.Context, logger zerolog.Logger, c *ari.Client, ch *ari.ChannelHandle, sound string) {
	log := logger.With().Str("channel", ch.ID()).Logger()
	log.Info().Msg("call entered application")

	if err := ch.Answer(ctx); err != nil {
		log.Error().Err(err).Msg("failed to answer")
		return
	}

	pb, err := ch.Play(ctx, sound)
	if err != nil {
		log.Error().Err(err).Msg("failed to start playback")
		ch.Hangup(ctx)
		return
	}
	log.Info().Str("playback", pb.ID()).Str("media", sound).Msg("playback started")

	sub := ch.Subscribe(ari.EventChannelDtmfReceived, ari.EventChannelDestroyed, ari.EventStasisEnd)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case ari.EventChannelDestroyed, ari.EventStasisEnd:
				log.Info().Msg("call ended")
				return
			case ari.EventChannelDtmfReceived:
				if done := handleDigit(ctx, log, ch, pb, ev.Digit); done {
					return
				}
			}
		}
	}
}

func handleDigit(ctx context.Context, log zerolog.Logger, ch *ari.ChannelHandle, pb *ari.PlaybackHandle, digit string) bool {
	var op ari.ControlOperation
	switch digit {
	case "4":
		op = ari.ControlReverse
	case "5":
		if pb.State() == ari.PlaybackPaused {
			op = ari.ControlUnpause
		} else {
			op = ari.ControlPause
		}
	case "6":
		op = ari.ControlForward
	case "8":
		op = ari.ControlRestart
	case "#":
		if err := pb.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to stop playback")
		}
		if err := ch.Hangup(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to hang up")
		}
		return true
	default:
		log.Debug().Str("digit", digit).Msg("unmapped digit")
		return false
	}

	if err := pb.Control(ctx, op); err != nil {
		log.Warn().Err(err).Str("operation", string(op)).Msg("control failed")
	} else {
		log.Info().Str("operation", string(op)).Str("state", pb.State().String()).Msg("transport control")
	}
	return false
}
