package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/avatar-overlay/internal/asr"
	"github.com/chadiek/avatar-overlay/internal/audio"
	"github.com/chadiek/avatar-overlay/internal/barrage"
	"github.com/chadiek/avatar-overlay/internal/capture"
	"github.com/chadiek/avatar-overlay/internal/config"
	"github.com/chadiek/avatar-overlay/internal/dialog"
	"github.com/chadiek/avatar-overlay/internal/emotion"
	"github.com/chadiek/avatar-overlay/internal/history"
	"github.com/chadiek/avatar-overlay/internal/httpserver"
	"github.com/chadiek/avatar-overlay/internal/hub"
	"github.com/chadiek/avatar-overlay/internal/idle"
	"github.com/chadiek/avatar-overlay/internal/llm"
	"github.com/chadiek/avatar-overlay/internal/logging"
	"github.com/chadiek/avatar-overlay/internal/state"
	"github.com/chadiek/avatar-overlay/internal/tools"
	"github.com/chadiek/avatar-overlay/internal/tts"
	"github.com/chadiek/avatar-overlay/internal/turn"
	"github.com/chadiek/avatar-overlay/internal/vad"
	"github.com/chadiek/avatar-overlay/internal/vision"
	"github.com/chadiek/avatar-overlay/internal/voice"
)

// run wires every component and blocks until ctx ends or a long-running
// part fails.
func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	flags := state.New()
	overlay := hub.New(logging.Component(log, "hub"))
	defer overlay.Close()

	// arb is assigned below; the hooks only fire once things are running
	var arb *turn.Arbiter

	synth := newSynthesizer(cfg.TTS, log)
	player := audio.NewPacedPlayer(overlay, cfg.Voice.MP3BitrateKbps)
	speaker := voice.New(voice.Config{
		SynthesisWorkers:  cfg.Voice.SynthesisWorkers,
		MinRevealInterval: cfg.Voice.MinRevealInterval,
		MaxRevealInterval: cfg.Voice.MaxRevealInterval,
		MarkerTolerance:   cfg.Voice.MarkerTolerance,
		FrameInterval:     cfg.Voice.FrameInterval,
		MouthGain:         cfg.Voice.MouthGain,
		CaptionLinger:     cfg.Voice.CaptionLinger,
		SettleDelay:       cfg.Voice.SettleDelay,
		CaptionPrefix:     cfg.Voice.CaptionPrefix,
	}, synth, player, overlay, overlay, flags, voice.Events{
		OnSpeakingStarted: func() { arb.PlaybackStarted() },
		OnFinished:        func() { arb.PlaybackFinished() },
	}, logging.Component(log, "voice"))

	table := emotion.DefaultTable()
	if cfg.Emotion.MapFile != "" {
		t, err := emotion.LoadTable(cfg.Emotion.MapFile)
		if err != nil {
			log.Warn().Err(err).Str("file", cfg.Emotion.MapFile).Msg("emotion table not loaded, using built-in")
		} else {
			table = t
		}
	}
	if cfg.Emotion.MotionGroup != "" {
		table.Group = cfg.Emotion.MotionGroup
	}
	speaker.SetEmotionMapper(emotion.NewMapper(table, overlay, logging.Component(log, "emotion")))

	detector := vad.NewClient(cfg.VAD.URL, cfg.VAD.MaxRetries, cfg.VAD.RetryDelay, logging.Component(log, "vad"))
	recognizer := asr.NewClient(cfg.ASR.URL, cfg.ASR.Timeout)
	mic := capture.NewMachine(capture.Config{
		SampleRate:   cfg.Capture.SampleRate,
		BufferLength: cfg.Capture.BufferLength,
		Preroll:      cfg.Capture.Preroll,
		Silence:      cfg.Capture.Silence,
		MinUtterance: cfg.Capture.MinUtterance,
	}, detector, recognizer, capture.Events{
		OnSpeechOnset:      func() { arb.SpeechOnset() },
		OnUtteranceDropped: func(reason string) { arb.UtteranceDropped(reason) },
		OnSpeechRecognized: func(text string) { arb.SpeechRecognized(ctx, text) },
		OnSilence:          func() { arb.SilenceHeard() },
	}, logging.Component(log, "capture"))

	hist := history.New(cfg.LLM.SystemPrompt, cfg.LLM.ContextLimit, cfg.LLM.MaxMessages)
	model := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout, logging.Component(log, "llm"))

	opts := turn.Options{
		Dialog:          newDialogLog(cfg.Dialog, log),
		AutonomousTools: cfg.Idle.UseTools,
	}
	if cfg.Tools.Enabled {
		opts.Tools = newToolChain(ctx, cfg.Tools, log)
	}
	if cfg.Vision.Enabled {
		opts.Vision = vision.NewChecker(cfg.Vision.CheckURL, 5*time.Second, logging.Component(log, "vision"))
		if cfg.Vision.ScreenshotCmd != "" {
			opts.Screenshots = vision.CommandScreenshotter{Command: cfg.Vision.ScreenshotCmd}
		}
	}
	arb = turn.New(flags, hist, model, speaker, mic, overlay, opts, logging.Component(log, "turn"))
	overlay.OnInterrupt = arb.Interrupt

	trigger := idle.New(idle.Config{
		Enabled:       cfg.Idle.Enabled,
		Threshold:     cfg.Idle.Threshold,
		CheckInterval: cfg.Idle.CheckInterval,
		Prompts:       []string{cfg.Idle.Prompt},
	}, flags, arb, logging.Component(log, "idle"))
	arb.SetIdleTracker(trigger)

	queue := barrage.NewQueue(flags, speaker, cfg.Barrage.SettleDelay, logging.Component(log, "barrage"))
	arb.SetBarrageKick(queue.Kick)
	cache, closeCache := newBarrageCache(ctx, cfg, log)
	defer closeCache()
	feed := barrage.NewFeed(barrage.FeedConfig{
		APIURL:        cfg.Barrage.APIURL,
		RoomID:        cfg.Barrage.RoomID,
		CheckInterval: cfg.Barrage.CheckInterval,
	}, cache, func(m barrage.Message) { queue.Push(m.Nickname, m.Text) }, logging.Component(log, "barrage"))

	server := httpserver.New(httpserver.Deps{
		Turns:     arb,
		Barrage:   feed,
		Queue:     queue,
		Overlay:   overlay,
		Mic:       mic,
		Context:   ctx,
		AuthToken: cfg.Server.AuthToken,
		Log:       logging.Component(log, "http"),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return detector.Run(ctx) })
	g.Go(func() error { return queue.Run(ctx, arb) })
	g.Go(func() error { return server.Run(ctx, cfg.Server.Address) })

	speaker.Start(ctx)
	defer speaker.Stop()
	mic.Start(ctx)
	trigger.Start(ctx)
	defer trigger.Stop()
	if cfg.Barrage.Enabled {
		feed.Start(ctx)
	}
	defer feed.Stop()

	if cfg.Voice.IntroText != "" {
		speaker.ProcessTextToSpeech(cfg.Voice.IntroText)
	}
	log.Info().Msg("overlay backend running")

	err := g.Wait()
	log.Info().Msg("shutting down")
	return err
}

func newSynthesizer(cfg config.TTSConfig, log zerolog.Logger) tts.Synthesizer {
	if cfg.Provider == "deepgram" {
		return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel, logging.Component(log, "tts"))
	}
	return tts.NewHTTPClient(cfg.URL, cfg.Language, cfg.Timeout)
}

// newToolChain prefers the MCP server and falls back to the built-in
// tools. A server that cannot be reached is left disconnected.
func newToolChain(ctx context.Context, cfg config.ToolsConfig, log zerolog.Logger) tools.Provider {
	local := tools.NewRegistry()
	if err := tools.RegisterTime(local, time.Now); err != nil {
		log.Warn().Err(err).Msg("builtin tool registration")
	}
	remote := tools.NewMCPClient(cfg.URL, cfg.Timeout, logging.Component(log, "mcp"))
	if err := remote.Discover(ctx); err != nil {
		log.Warn().Err(err).Str("url", cfg.URL).Msg("mcp discovery failed, using builtin tools only")
	}
	return tools.Chain{remote, local}
}

func newDialogLog(cfg config.DialogConfig, log zerolog.Logger) dialog.Log {
	logs := dialog.Multi{}
	if cfg.File != "" {
		logs = append(logs, dialog.NewFileLog(cfg.File, cfg.AssistantName))
	}
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		store, err := dialog.NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
		if err != nil {
			log.Warn().Err(err).Msg("supabase archive disabled")
		} else {
			logs = append(logs, dialog.NewArchive(store))
		}
	}
	return logs
}

// newBarrageCache uses Redis when configured and reachable, memory
// otherwise.
func newBarrageCache(ctx context.Context, cfg config.Config, log zerolog.Logger) (barrage.Cache, func()) {
	if cfg.Redis.URL == "" {
		return barrage.NewMemoryCache(cfg.Barrage.MaxMessages), func() {}
	}
	client, err := barrage.DialRedis(ctx, cfg.Redis.URL, cfg.Redis.ReadTimeout, cfg.Redis.WriteTimeout, cfg.Redis.DialTimeout)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, barrage cache kept in memory")
		return barrage.NewMemoryCache(cfg.Barrage.MaxMessages), func() {}
	}
	log.Info().Str("key", cfg.Redis.Key).Msg("barrage cache in redis")
	return barrage.NewRedisCache(client, cfg.Redis.Key, cfg.Barrage.MaxMessages), func() { _ = client.Close() }
}
