package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"baagent/internal/agent"
	"baagent/internal/compactor"
	"baagent/internal/embedding"
	"baagent/internal/filestore"
	"baagent/internal/llm"
	"baagent/internal/logging"
	"baagent/internal/memindex"
	"baagent/internal/sandbox"
	"baagent/internal/server"
	"baagent/internal/types"
	"baagent/internal/watcher"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Get(logging.CategoryBoot)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := filestore.New(cfg.FileStore)
	if err != nil {
		return err
	}
	defer store.Close()

	g, ctx := errgroup.WithContext(ctx)

	janitor := filestore.NewJanitor(store,
		time.Duration(cfg.FileStore.CleanupIntervalHours)*time.Hour)
	g.Go(func() error {
		janitor.Run(ctx)
		return nil
	})

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return err
	}
	if engine == nil {
		log.Info("no embedding provider configured; search is text-only")
	}

	indexDir := cfg.Memory.IndexRotation.IndexDir
	if indexDir == "" {
		indexDir = filepath.Join(cfg.FileStore.BaseDir, "memory", ".index")
	}
	index, err := memindex.Open(indexDir, cfg.Memory.IndexRotation, cfg.Memory.Search, engine)
	if err != nil {
		return err
	}
	defer index.Close()

	if cfg.Memory.Watcher.Enabled {
		roots := []watcher.Root{}
		if dir, err := store.CategoryDir(types.CategoryMemory); err == nil {
			roots = append(roots, watcher.Root{Path: dir, Source: "memory"})
		}
		for _, p := range cfg.Memory.Watcher.WatchPaths {
			roots = append(roots, watcher.Root{Path: p, Source: "watched"})
		}
		w := watcher.New(index, roots,
			cfg.Memory.Watcher.CheckIntervalSeconds, cfg.Memory.Watcher.DebounceSeconds)
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}

	client, err := llm.New(cfg.LLM)
	if err != nil {
		return err
	}
	if client == nil {
		log.Warn("no LLM provider configured; chat turns will fail")
	}

	comp := compactor.New(cfg.Memory.Flush, cfg.Server.ContextWindowTokens, store, client)
	executor := sandbox.New(cfg.Docker, cfg.Security, store)
	if !executor.Available() {
		log.Warn("docker not available; code execution tools disabled")
		executor = nil
	}

	ag := agent.New(agent.Deps{
		Client:    client,
		Index:     index,
		Executor:  executor,
		Compactor: comp,
		Store:     store,
	})

	auth, err := server.NewAuthService(cfg.Server.JWTSecret,
		cfg.Server.AccessExpiryMinutes, cfg.Server.RefreshExpiryDays)
	if err != nil {
		return err
	}
	if u := cfg.Server.BootstrapUser; u != "" {
		if err := auth.AddUser(u, cfg.Server.BootstrapPassword); err != nil {
			return err
		}
		log.Info("bootstrap user %q registered", u)
	}

	log.Info("ba-agent %s starting on %s", version, cfg.Server.Addr)
	srv := server.New(cfg.Server, auth, ag, store)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	return g.Wait()
}
