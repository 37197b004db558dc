package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signlink/signlink/internal/adapters/classify"
	"github.com/signlink/signlink/internal/adapters/media"
	"github.com/signlink/signlink/internal/adapters/rtc"
	wssignal "github.com/signlink/signlink/internal/adapters/signal"
	"github.com/signlink/signlink/internal/call"
	"github.com/signlink/signlink/internal/config"
	"github.com/signlink/signlink/internal/core"
	"github.com/signlink/signlink/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	mode, err := call.ParseMode(cfg.Client.Topology)
	if err != nil {
		log.Fatal().Err(err).Msg("bad topology")
	}

	self := domain.Identity(cfg.Client.Identity)
	if self == "" {
		self = domain.GeneratedIdentity()
	}

	transport, err := wssignal.Dial(ctx, cfg.Client.RelayURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Client.RelayURL).Msg("relay unreachable")
	}
	defer transport.Close()

	classifier := classify.New(cfg.Client.ClassifierURL, 0)
	if err := classifier.Health(ctx); err != nil {
		log.Warn().Err(err).Msg("classifier not healthy, side channel will skip ticks")
	}

	var engine *call.Engine
	notify := func(ev call.Event) {
		logEvent(ev)
		// Headless endpoint: answer invitations as they arrive.
		if ev.Kind == call.NotifyIncomingCall {
			engine.Accept(ev.Remote)
		}
	}

	engine = call.New(
		call.Options{
			Self:         self,
			Mode:         mode,
			SamplePeriod: cfg.Client.SamplePeriod,
			Threshold:    cfg.Client.Threshold,
			FreshFor:     cfg.Client.FreshFor,
			Notify:       notify,
		},
		transport,
		rtc.NewFactory(rtc.Configuration(cfg.Client.ICEServers)),
		func(context.Context) (core.LocalMedia, error) { return media.New() },
		classifier,
		core.SystemClock{},
	)

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				infos, err := engine.Snapshot(ctx)
				if err != nil {
					log.Debug().Err(err).Msg("status snapshot skipped")
					continue
				}
				for _, info := range infos {
					log.Info().Str("remote", string(info.Remote)).
						Str("role", info.Role.String()).
						Str("state", info.State.String()).
						Str("local_text", info.LocalText).
						Str("remote_text", info.RemoteText).
						Msg("session status")
				}
			}
		}
	}()

	engine.Register()
	if target := domain.Identity(cfg.Client.Target); target != "" && mode == call.OneToOne {
		// Give registration a moment before dialing.
		time.AfterFunc(time.Second, func() { engine.Call(target) })
	}

	select {
	case <-ctx.Done():
		engine.HangUpAll()
		time.Sleep(200 * time.Millisecond)
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("engine stopped")
		}
	}
	log.Info().Msg("client exited")
}

func logEvent(ev call.Event) {
	switch ev.Kind {
	case call.NotifyRegistered:
		log.Info().Msg("registered with relay")
	case call.NotifyRegistrationFailed:
		log.Error().Msg("registration failed, identity in use?")
	case call.NotifyIncomingCall:
		log.Info().Str("from", string(ev.Remote)).Msg("incoming call")
	case call.NotifySessionState:
		log.Info().Str("remote", string(ev.Remote)).Str("state", ev.State.String()).Msg("session")
	case call.NotifyPrediction:
		log.Info().Str("from", string(ev.Remote)).
			Str("label", ev.Pred.Label).
			Float64("confidence", ev.Pred.Confidence).
			Msg("prediction")
	case call.NotifyTranscript:
		log.Info().Str("from", string(ev.Remote)).Str("text", ev.Text).Msg("transcript")
	case call.NotifyError:
		log.Warn().Err(ev.Err).Str("remote", string(ev.Remote)).Msg("call error")
	}
}
