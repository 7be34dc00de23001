package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/voluteio/volute/internal/activity"
	"github.com/voluteio/volute/internal/budget"
	"github.com/voluteio/volute/internal/config"
	"github.com/voluteio/volute/internal/events"
	"github.com/voluteio/volute/internal/httpapi"
	"github.com/voluteio/volute/internal/registry"
	"github.com/voluteio/volute/internal/scheduler"
	"github.com/voluteio/volute/internal/state"
	"github.com/voluteio/volute/internal/supervisor"
	"github.com/voluteio/volute/internal/typing"
	"github.com/voluteio/volute/pkg/protocol"
)

// runDaemon wires every component and serves until SIGINT/SIGTERM.
func runDaemon() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(resolveHome())
	if err != nil {
		return err
	}

	reg := registry.Open(cfg)

	store, err := state.Open(cfg.DaemonPath("volute.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	seq := events.NewSequencer()

	// Activity events are persisted first, then broadcast, so the SSE stream
	// never shows an event the activity log missed.
	publish := func(eventType, mind, summary string) {
		if err := store.AddActivity(eventType, mind, summary, nil); err != nil {
			slog.Warn("activity write failed", "type", eventType, "mind", mind, "error", err)
		}
		seq.Publish(protocol.EventActivity, protocol.ActivityPayload{
			Type: eventType, Mind: mind, Summary: summary,
		})
	}

	tracker := activity.NewTracker(publish)
	typ := typing.NewMap()
	sup := supervisor.New(cfg, reg, publish)

	// The drain callback runs after srv exists; budget ticks only start
	// below, so the nil window is never observed.
	var srv *httpapi.Server
	bud := budget.NewManager(cfg, func(mind string, msgs []budget.QueuedMessage) {
		for _, m := range msgs {
			srv.Deliver(mind, m.Channel, m.Sender, m.Content)
		}
	})

	srv = httpapi.New(cfg, reg, store, seq, tracker, bud, typ, sup, Version)

	store.SetOnMessage(func(convID string, msg state.Message) {
		seq.Publish(protocol.EventMessage, map[string]any{
			"conversation_id": convID,
			"message":         msg,
		})
	})
	sup.SetOnStarted(func(name string) {
		go srv.ReplayDeliveries(name)
	})

	sched := scheduler.New(cfg,
		func() []scheduler.Target {
			var targets []scheduler.Target
			for _, e := range reg.List() {
				if e.Stage != registry.StageSprouted || !sup.IsRunning(e.Name) {
					continue
				}
				targets = append(targets, scheduler.Target{Name: e.Name, Dir: cfg.MindDir(e.Name)})
			}
			return targets
		},
		func(mind, channel, sender, text string) {
			srv.Deliver(mind, channel, sender, []protocol.ContentBlock{protocol.TextBlock(text)})
		})

	pidPath := cfg.DaemonPath("daemon.pid")
	if err := config.WriteFileAtomic(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		slog.Warn("daemon pid file write failed", "error", err)
	}
	defer os.Remove(pidPath)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bud.Start(done)
	sched.Start(done)
	typ.Start(done, func(channels []string) {
		for _, ch := range channels {
			seq.Publish(protocol.EventTyping, protocol.TypingPayload{
				Channel: ch,
				Senders: typ.Get(ch),
			})
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		close(done)
		sup.StopAll()
		tracker.StopAll()
		cancel()
	}()

	err = srv.Start(ctx)
	bud.Flush()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("daemon stopped")
	return nil
}
