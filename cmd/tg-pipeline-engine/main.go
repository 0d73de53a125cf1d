// Package main is the entry point for the pipeline engine service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/romanmihailow/tg-pipeline-engine/internal/buildinfo"
	"github.com/romanmihailow/tg-pipeline-engine/internal/clock"
	"github.com/romanmihailow/tg-pipeline-engine/internal/config"
	"github.com/romanmihailow/tg-pipeline-engine/internal/connwatch"
	"github.com/romanmihailow/tg-pipeline-engine/internal/events"
	"github.com/romanmihailow/tg-pipeline-engine/internal/httpkit"
	"github.com/romanmihailow/tg-pipeline-engine/internal/llm"
	"github.com/romanmihailow/tg-pipeline-engine/internal/messaging"
	"github.com/romanmihailow/tg-pipeline-engine/internal/opstate"
	"github.com/romanmihailow/tg-pipeline-engine/internal/persona"
	"github.com/romanmihailow/tg-pipeline-engine/internal/pipelined"
	"github.com/romanmihailow/tg-pipeline-engine/internal/pipelinep"
	"github.com/romanmihailow/tg-pipeline-engine/internal/ratelimit"
	"github.com/romanmihailow/tg-pipeline-engine/internal/scheduler"
	"github.com/romanmihailow/tg-pipeline-engine/internal/status"
	"github.com/romanmihailow/tg-pipeline-engine/internal/store"
	"github.com/romanmihailow/tg-pipeline-engine/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
			return
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	fmt.Println("tg-pipeline-engine - multi-account pipeline scheduler")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the scheduler and status server")
	fmt.Println("  version   Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting tg-pipeline-engine", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	var encryptionKey []byte
	if cfg.EncryptionKeyFile != "" {
		key, err := os.ReadFile(cfg.EncryptionKeyFile)
		if err != nil {
			logger.Error("failed to read encryption key", "path", cfg.EncryptionKeyFile, "error", err)
			os.Exit(1)
		}
		encryptionKey = key
	} else {
		logger.Warn("no encryption_key_file configured — account credentials will be stored in clear text")
	}

	db, err := store.Open(cfg.DataDir+"/pipelines.db", encryptionKey)
	if err != nil {
		logger.Error("failed to open persistence store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	usageStore, err := usage.NewStore(cfg.DataDir + "/usage.db")
	if err != nil {
		logger.Error("failed to open usage store", "error", err)
		os.Exit(1)
	}
	defer usageStore.Close()
	if cfg.OpenAI.UsageTSVPath != "" {
		if err := usageStore.WithTSV(cfg.OpenAI.UsageTSVPath); err != nil {
			logger.Error("failed to attach usage TSV export", "path", cfg.OpenAI.UsageTSVPath, "error", err)
			os.Exit(1)
		}
	}

	opState, err := opstate.NewStore(cfg.DataDir + "/opstate.db")
	if err != nil {
		logger.Error("failed to open operational state store", "error", err)
		os.Exit(1)
	}
	defer opState.Close()

	if err := reconcileAccountsAndPipelines(db, cfg); err != nil {
		logger.Error("failed to reconcile accounts/pipelines config", "error", err)
		os.Exit(1)
	}

	personas := persona.NewRegistry()
	if err := personas.Reload(db); err != nil {
		logger.Error("failed to load personas", "error", err)
		os.Exit(1)
	}

	clk := clock.New()
	sink := llm.NewUsageSink(usageStore, cfg.Pricing, logger)
	llmPort := llm.NewOpenAIPort(llm.OpenAIConfig{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		ChatModel:  cfg.OpenAI.ChatModel,
		ImageModel: cfg.OpenAI.ImageModel,
	}, sink, logger)

	bridge := messaging.NewBridgeClient(cfg.Bridge.Command, cfg.Bridge.Args, logger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Start(ctx); err != nil {
		logger.Error("failed to start messaging bridge", "command", cfg.Bridge.Command, "error", err)
		os.Exit(1)
	}
	defer bridge.Close()

	// A mid-behavior-level pacing budget: per-account pacing fidelity
	// lives in pipelinep/pipelined's own use of BehaviorProfile, so the
	// shared PacedPort only needs a reasonable floor before the first
	// call of any given run.
	mid := config.BehaviorForLevel(3)
	pacedMessaging := messaging.NewPacedPort(bridge, clk, messaging.PacingBudget{
		BaseDelay: time.Duration(mid.RequestDelaySec * float64(time.Second)),
		Jitter:    time.Duration(mid.JitterSec * float64(time.Second)),
		AbsorbCap: 30 * time.Second,
	}, logger)

	probeClient := httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))

	watchers := connwatch.NewManager(logger)
	watchers.Watch(ctx, connwatch.WatcherConfig{
		Name: "messaging-bridge",
		Probe: func(probeCtx context.Context) error {
			accounts, err := db.ListAccounts()
			if err != nil || len(accounts) == 0 {
				return nil
			}
			_, err = bridge.Identify(probeCtx, accounts[0].Name)
			return err
		},
		Logger: logger,
		OnReady: func() {
			_ = opState.Set("connwatch", "messaging-bridge:last-healthy-at", time.Now().UTC().Format(time.RFC3339))
		},
	})
	watchers.Watch(ctx, connwatch.WatcherConfig{
		Name: "openai",
		Probe: func(probeCtx context.Context) error {
			base := cfg.OpenAI.BaseURL
			if base == "" {
				base = "https://api.openai.com/v1"
			}
			req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, base+"/models", nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+cfg.OpenAI.APIKey)
			resp, err := probeClient.Do(req)
			if err != nil {
				return err
			}
			defer httpkit.DrainAndClose(resp.Body, 1024)
			if resp.StatusCode >= 500 {
				return fmt.Errorf("openai models endpoint returned %d", resp.StatusCode)
			}
			return nil
		},
		Logger: logger,
		OnReady: func() {
			_ = opState.Set("connwatch", "openai:last-healthy-at", time.Now().UTC().Format(time.RFC3339))
		},
	})
	defer watchers.Stop()

	bus := events.New()
	broker := ratelimit.New(logger)

	pRunner := pipelinep.New(pipelinep.Deps{
		Store:           db,
		Messaging:       pacedMessaging,
		LLM:             llmPort,
		Clock:           clk,
		Logger:          logger,
		Dedup:           cfg.Dedup,
		Blackbox:        cfg.Blackbox,
		AdExtraKeywords: cfg.AdFilterExtraKeywords,
	})
	dRunner := pipelined.New(pipelined.Deps{
		Store:          db,
		Messaging:      pacedMessaging,
		LLM:            llmPort,
		Personas:       personas,
		Clock:          clk,
		Logger:         logger,
		Dedup:          cfg.Dedup,
		Reactions:      cfg.Reactions,
		ChatReactions:  cfg.ChatReactions,
		AdminReactions: cfg.AdminReactions,
	})

	var hub *status.Hub
	board := status.NewBoard(func(e status.Entry) {
		status.PublishToBus(bus, e)
		if hub != nil {
			hub.OnBoardSet(e)
		}
	})
	hub = status.NewHub(board, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", hub.ServeHTTP)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("status server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server failed", "error", err)
		}
	}()

	loop := scheduler.New(scheduler.Deps{
		Store:     db,
		PipelineP: pRunner,
		PipelineD: dRunner,
		Broker:    broker,
		Status:    board,
		Bus:       bus,
		Clock:     clk,
		Logger:    logger,
		Config:    cfg.Scheduler,
		Notify: func(n ratelimit.OwnerNotification) {
			logger.Warn("account suspended by platform backoff, owner notification due",
				"account", n.Account, "seconds", n.Seconds, "until_local", n.Until.Local().Format(time.RFC1123))
		},
	})

	logger.Info("scheduler starting")
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("scheduler exited with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	logger.Info("tg-pipeline-engine stopped")
}

// reconcileAccountsAndPipelines loads accounts.json/pipelines.json and
// upserts their declared fields into the store, preserving
// runtime-observed fields (flood-wait deadline, resolved identity,
// source watermarks) that a config reload must never clobber.
func reconcileAccountsAndPipelines(db *store.Store, cfg *config.Config) error {
	accountSpecs, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	for _, a := range accountSpecs {
		existing, err := db.GetAccount(a.Name)
		var floodWaitUntil *time.Time
		var userID, username string
		if err == nil {
			floodWaitUntil = existing.FloodWaitUntil
			userID = existing.UserID
			username = existing.Username
		}
		var writer *config.Credentials
		if a.HasSeparateWriter() {
			w := a.WriterCredentials()
			writer = &w
		}
		if err := db.UpsertAccount(store.Account{
			Name:                      a.Name,
			Reader:                    a.Reader,
			Writer:                    writer,
			BehaviorLevel:             a.BehaviorLevel,
			SystemPromptChat:          a.SystemPromptChat,
			DiscussionActivityPercent: a.DiscussionActivityPercent,
			UserReplyActivityPercent:  a.UserReplyActivityPercent,
			UserID:                    userID,
			Username:                  username,
			FloodWaitUntil:            floodWaitUntil,
		}); err != nil {
			return fmt.Errorf("upsert account %s: %w", a.Name, err)
		}
	}

	pipelineSpecs, err := config.LoadPipelines(cfg.PipelinesFile)
	if err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}
	for _, p := range pipelineSpecs {
		if err := db.UpsertPipeline(store.Pipeline{
			Name:           p.Name,
			AccountName:    p.AccountName,
			Enabled:        p.Enabled,
			Destination:    p.Destination,
			Mode:           p.Mode,
			Type:           p.Type,
			IntervalSec:    p.IntervalSec,
			BlackboxEveryN: p.BlackboxEveryN,
		}); err != nil {
			return fmt.Errorf("upsert pipeline %s: %w", p.Name, err)
		}
		row, err := db.GetPipelineByName(p.Name)
		if err != nil {
			return fmt.Errorf("resolve pipeline id %s: %w", p.Name, err)
		}
		for _, channel := range p.Sources {
			if err := db.UpsertPipelineSource(store.PipelineSource{PipelineID: row.ID, Channel: channel}); err != nil {
				return fmt.Errorf("upsert pipeline source %s/%s: %w", p.Name, channel, err)
			}
		}
		if p.Discussion != nil {
			windowsWeekdays, err := config.ParseActivityWindows(p.Discussion.ActivityWindowsWeekdaysJSON)
			if err != nil {
				return fmt.Errorf("parse weekday windows for %s: %w", p.Name, err)
			}
			windowsWeekends, err := config.ParseActivityWindows(p.Discussion.ActivityWindowsWeekendsJSON)
			if err != nil {
				return fmt.Errorf("parse weekend windows for %s: %w", p.Name, err)
			}
			if err := db.UpsertDiscussionSettings(store.DiscussionSettings{
				PipelineID:                  row.ID,
				TargetChat:                  p.Discussion.TargetChat,
				SourcePipelineName:          p.Discussion.SourcePipelineName,
				KMin:                        p.Discussion.KMin,
				KMax:                        p.Discussion.KMax,
				ReplyToReplyProbability:     p.Discussion.ReplyToReplyProbability,
				ActivityWindowsWeekdays:     windowsWeekdays,
				ActivityWindowsWeekends:     windowsWeekends,
				Timezone:                    p.Discussion.Timezone,
				MinIntervalMinutes:          p.Discussion.MinIntervalMinutes,
				MaxIntervalMinutes:          p.Discussion.MaxIntervalMinutes,
				InactivityPauseMinutes:      p.Discussion.InactivityPauseMinutes,
				MaxAutoRepliesPerChatPerDay: p.Discussion.MaxAutoRepliesPerChatPerDay,
				UserReplyMaxAgeMinutes:      p.Discussion.UserReplyMaxAgeMinutes,
			}); err != nil {
				return fmt.Errorf("upsert discussion settings %s: %w", p.Name, err)
			}
		}
	}
	return nil
}
