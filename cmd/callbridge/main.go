package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/callbridge/internal/ai"
	"github.com/sebas/callbridge/internal/banner"
	"github.com/sebas/callbridge/internal/call"
	"github.com/sebas/callbridge/internal/config"
	"github.com/sebas/callbridge/internal/events"
	"github.com/sebas/callbridge/internal/logger"
	"github.com/sebas/callbridge/internal/nat"
	"github.com/sebas/callbridge/internal/signaling/dialog"
	"github.com/sebas/callbridge/internal/signaling/engine"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	initLogging(cfg)

	banner.Print("CallBridge", []banner.ConfigLine{
		{Label: "SIP server", Value: cfg.Server},
		{Label: "SIP user", Value: cfg.Username},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "RTP ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "Destination", Value: cfg.Destination},
		{Label: "Max duration", Value: cfg.MaxDuration.String()},
	})

	if err := run(cfg); err != nil {
		slog.Error("Call failed", "error", err)
		os.Exit(1)
	}
}

func initLogging(cfg *config.Config) {
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFile == "" {
		logger.InitLogger(os.Stdout)
		return
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", err)
		logger.InitLogger(os.Stdout)
		return
	}
	// The file always gets debug, the console the configured level.
	console := logger.ParseLevel(cfg.LogLevel)
	logger.SetLevel("debug")
	logger.InitLoggerWithLevels(map[io.Writer]slog.Level{
		os.Stdout: console,
		f:         slog.LevelDebug,
	})
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(engine.Config{
		Server:      cfg.Server,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DisplayName: cfg.DisplayName,
		BindAddr:    cfg.BindAddr,
		Port:        cfg.Port,
		AdvertiseIP: cfg.AdvertiseAddr,
		RingTimeout: cfg.RingTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating SIP engine: %w", err)
	}
	defer eng.Close()

	go func() {
		if err := eng.Serve(ctx); err != nil && ctx.Err() == nil {
			slog.Error("SIP listener error", "error", err)
		}
	}()

	if cfg.Register {
		go eng.RegisterLoop(ctx)
	}

	var resolver nat.Resolver
	if cfg.StaticPublicIP != "" {
		resolver = &nat.StaticResolver{IP: cfg.StaticPublicIP}
	} else {
		resolver = nat.NewHTTPResolver(cfg.PublicIPURL)
	}

	orch := call.New(call.Config{
		AI: ai.Config{
			URL:               cfg.AIURL,
			APIKey:            cfg.AIKey,
			Model:             cfg.AIModel,
			SystemInstruction: cfg.SystemInstruction,
		},
		RTPPortMin:      cfg.RTPPortMin,
		RTPPortMax:      cfg.RTPPortMax,
		MaxDuration:     cfg.MaxDuration,
		DetectVoicemail: cfg.DetectVoicemail,
	}, eng, resolver)
	defer orch.Close()

	id, err := orch.StartCall(ctx, call.Request{
		Destination:     cfg.Destination,
		CallerName:      cfg.CallerName,
		Goal:            cfg.SystemInstruction,
		MaxDuration:     cfg.MaxDuration,
		DetectVoicemail: cfg.DetectVoicemail,
	})
	if err != nil {
		return err
	}
	slog.Info("Call started", "call_id", id, "destination", cfg.Destination)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigChan:
			slog.Info("Received signal, ending call", "signal", sig)
			_ = orch.EndCall(id, dialog.ReasonLocalHangup)

		case e, ok := <-orch.Events():
			if !ok {
				return nil
			}
			if done := logEvent(e, id); done {
				// Give the teardown log lines a moment to flush.
				time.Sleep(100 * time.Millisecond)
				return nil
			}
		}
	}
}

// logEvent logs one call event and reports whether the tracked call has
// reached its final state.
func logEvent(e events.Event, callID string) bool {
	switch ev := e.(type) {
	case *events.DialingEvent:
		slog.Info("Dialing", "destination", ev.Destination)
	case *events.RingingEvent:
		slog.Info("Ringing", "code", ev.ResponseCode, "early_media", ev.EarlyMedia)
	case *events.AnsweredEvent:
		slog.Info("Answered",
			"codec", ev.Codec,
			"remote", fmt.Sprintf("%s:%d", ev.RemoteMediaIP, ev.RemoteRTPPort),
			"setup_ms", ev.SetupDurationMs,
		)
	case *events.TranscriptEvent:
		slog.Info("Transcript", "speaker", ev.Speaker, "text", ev.Text, "final", ev.Final)
	case *events.DTMFEvent:
		slog.Info("DTMF", "digit", ev.Digit)
	case *events.MediaEvent:
		slog.Debug("Media",
			"sent", ev.PacketsSent,
			"received", ev.PacketsReceived,
			"loss_rate", fmt.Sprintf("%.3f", ev.LossRate),
			"caller_level", fmt.Sprintf("%.2f", ev.CallerLevel),
			"ai_level", fmt.Sprintf("%.2f", ev.AILevel),
			"far_end_active", ev.FarEndActive,
		)
	case *events.EndedEvent:
		slog.Info("Call ended",
			"reason", ev.Reason,
			"detail", ev.ReasonDetail,
			"talk_ms", ev.TalkDurationMs,
			"transcript_lines", ev.TranscriptLines,
		)
		return ev.CallID() == callID
	}
	return false
}
