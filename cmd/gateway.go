package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
	"github.com/nextlevelbuilder/switchboard/internal/approvals"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/internal/channels/discord"
	"github.com/nextlevelbuilder/switchboard/internal/channels/telegram"
	"github.com/nextlevelbuilder/switchboard/internal/channels/webhookchan"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/cron"
	"github.com/nextlevelbuilder/switchboard/internal/dispatch"
	"github.com/nextlevelbuilder/switchboard/internal/gateway"
	"github.com/nextlevelbuilder/switchboard/internal/scheduler"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/store/sqlite"
	"github.com/nextlevelbuilder/switchboard/internal/telemetry"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	// Session store: JSON file by default, SQLite when configured.
	storeDir := config.ExpandHome(cfg.Sessions.StoreDir)
	os.MkdirAll(storeDir, 0o755)
	var store sessions.StoreAPI
	switch cfg.Sessions.Backend {
	case "sqlite":
		sqlStore, err := sqlite.Open(storeDir)
		if err != nil {
			slog.Error("open sqlite session store failed", "error", err)
			os.Exit(1)
		}
		defer sqlStore.Close()
		store = sqlStore
	default:
		store = sessions.NewStore(storeDir)
	}

	msgBus := bus.New()

	runner := &agent.RetryingRunner{
		Inner: &agent.ExecRunner{
			Command: cfg.Agents.Defaults.Command,
			Timeout: time.Duration(cfg.Agents.Defaults.RunTimeoutMs) * time.Millisecond,
		},
		OnRetry: func(attempt, max int, err error) {
			msgBus.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: map[string]interface{}{
				"type": protocol.AgentEventRunRetrying, "attempt": attempt, "maxAttempts": max,
			}})
		},
	}

	defaultAgent := cfg.ResolveDefaultAgentID()
	queueCfg := cfg.QueueFor(defaultAgent)
	sched := scheduler.New(scheduler.Options{
		Runner: runner,
		Store:  store,
		Defaults: scheduler.Settings{
			Mode:     scheduler.Mode(queueCfg.Mode),
			Debounce: time.Duration(queueCfg.DebounceMs) * time.Millisecond,
			Cap:      queueCfg.Cap,
			Drop:     scheduler.DropPolicy(queueCfg.Drop),
		},
		OnEvent: func(ev agent.Event) {
			msgBus.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: ev})
		},
	})

	manager := channels.NewManager(cfg, msgBus, sched)
	schedWithDispatch(sched, manager)
	sched.SetCommands(scheduler.NewCommands(store, sched, nil, cfg.Agents.Defaults.ModelAliases))

	registerChannels(cfg, msgBus, manager)

	// Cron wakeups feed synthetic envelopes into the default agent's lane.
	cronSvc := cron.New(cfg.Cron, func(job config.CronJob) {
		agentID := job.AgentID
		if agentID == "" {
			agentID = defaultAgent
		}
		env := &bus.Envelope{
			Channel:    "cron",
			Sender:     bus.Sender{ID: "cron:" + job.ID},
			PeerKind:   "direct",
			ChatID:     job.ID,
			Text:       job.Prompt,
			ReceivedAt: time.Now(),
		}
		if job.Channel != "" && job.To != "" {
			env.Metadata = map[string]string{"deliverChannel": job.Channel, "deliverTo": job.To}
		}
		key := sessions.BuildKey(agentID, "cron", sessions.ScopeDM, job.ID)
		sched.Submit(key, env)
	})
	go cronSvc.Start(ctx)

	ledger := approvals.NewLedger()
	approvalsFile := approvals.NewFileStore(config.ExpandHome(cfg.Approvals.FilePath))
	go sweepApprovals(ctx, ledger, cfg.Approvals)

	gate := &gateway.RestartGate{
		QueueSize:      sched.TotalQueueSize,
		PendingReplies: dispatch.TotalPendingReplies,
		SentinelPath:   config.ExpandHome(cfg.Restart.SentinelAt),
		Poll:           time.Duration(cfg.Restart.PollMs) * time.Millisecond,
		Timeout:        time.Duration(cfg.Restart.TimeoutMs) * time.Millisecond,
	}

	server := gateway.NewServer(gateway.Options{
		Config:     cfg,
		ConfigPath: cfgPath,
		Bus:        msgBus,
		Scheduler:  sched,
		Store:      store,
		Ledger:     ledger,
		Approvals:  approvalsFile,
		Gate:       gate,
		Cron:       cronSvc,
	})

	if cfg.Channels.Webhook.Enabled {
		hooks := webhookchan.New(cfg.Channels.Webhook, cfg.Gateway, msgBus)
		if err := hooks.MountAll(server); err != nil {
			slog.Error("webhook mount failed", "error", err)
			os.Exit(1)
		}
		manager.RegisterChannel("webhook", hooks)
	}

	// A sentinel from the predecessor routes a confirmation reply back on
	// the originating channel.
	if sentinel, ok := gateway.ConsumeSentinel(config.ExpandHome(cfg.Restart.SentinelAt)); ok {
		announceRestart(store, msgBus, sentinel)
	}

	// Config file edits (by hand or another process) are announced to
	// operators; config.* RPCs already reload in-process.
	if err := config.Watch(ctx, cfgPath, func() {
		slog.Info("config file changed on disk")
		msgBus.Broadcast(bus.Event{Name: protocol.EventConfigChanged, Payload: map[string]interface{}{"kind": "file-edit"}})
	}); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	if err := manager.StartAll(ctx); err != nil {
		slog.Error("channel start failed", "error", err)
	}

	// SIGUSR1 is the self-restart signal: re-exec in place with the same
	// argv. The sentinel was already written by the restart gate.
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		<-usr1
		slog.Info("restarting on SIGUSR1")
		manager.StopAll(context.Background())
		selfExec()
	}()

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
		manager.StopAll(context.Background())
		os.Exit(1)
	}

	sched.Shutdown()
	manager.StopAll(context.Background())
}

// schedWithDispatch wires the manager's dispatch factory into the
// scheduler after both exist.
func schedWithDispatch(sched *scheduler.Scheduler, manager *channels.Manager) {
	sched.SetDispatchFactory(manager.DispatchFactory())
}

func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, manager *channels.Manager) {
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("telegram init failed", "error", err)
		} else {
			manager.RegisterChannel("telegram", tg)
		}
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("discord init failed", "error", err)
		} else {
			manager.RegisterChannel("discord", dc)
		}
	}
}

// announceRestart routes the post-restart confirmation reply back to the
// session the reconfigure came from.
func announceRestart(store sessions.StoreAPI, msgBus *bus.MessageBus, s gateway.Sentinel) {
	if s.SessionKey == "" {
		return
	}
	sess, ok, err := store.Get(s.SessionKey)
	if err != nil || !ok || sess.LastChannel == "" || sess.LastTo == "" {
		return
	}
	text := s.Message
	if text == "" {
		text = "Gateway restarted with the new configuration."
	}
	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel:  sess.LastChannel,
		ChatID:   sess.LastTo,
		ThreadID: s.ThreadID,
		Payload:  bus.ReplyPayload{Text: text},
	})
}

func sweepApprovals(ctx context.Context, ledger *approvals.Ledger, cfg config.ApprovalsConfig) {
	interval := time.Duration(cfg.SweepMins) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ledger.Sweep(interval)
		}
	}
}

// selfExec replaces the process image, preserving argv and environment.
func selfExec() {
	bin, err := os.Executable()
	if err != nil {
		slog.Error("self-exec: resolve binary failed", "error", err)
		os.Exit(1)
	}
	if err := syscall.Exec(bin, os.Args, os.Environ()); err != nil {
		// Exec only returns on failure; fall back to a child process.
		slog.Error("self-exec failed, spawning child", "error", err)
		cmd := exec.Command(bin, os.Args[1:]...)
		cmd.Stdout, cmd.Stderr, cmd.Stdin = os.Stdout, os.Stderr, os.Stdin
		if err := cmd.Start(); err != nil {
			slog.Error("restart spawn failed", "error", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
}
