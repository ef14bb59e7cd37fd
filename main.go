package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sjroesink/OpenAgentManager-sub000/config"
	"github.com/sjroesink/OpenAgentManager-sub000/connection"
	"github.com/sjroesink/OpenAgentManager-sub000/events"
	"github.com/sjroesink/OpenAgentManager-sub000/orchestrator"
	"github.com/sjroesink/OpenAgentManager-sub000/session"
	"github.com/sjroesink/OpenAgentManager-sub000/startup"
	"github.com/sjroesink/OpenAgentManager-sub000/terminal"
	"github.com/sjroesink/OpenAgentManager-sub000/watch"
	"github.com/sjroesink/OpenAgentManager-sub000/worktree"
	"github.com/sjroesink/OpenAgentManager-sub000/ws"
)

var version = "dev"

func main() {
	configFlag := flag.String("config", "", "path to config file (default <data dir>/config.yaml)")
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	tokenFlag := flag.String("auth-token", "", "authentication token (overrides config)")
	devModeFlag := flag.Bool("dev", false, "enable development mode")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("agentmanager %s\n", version)
		os.Exit(0)
	}

	devMode := *devModeFlag || os.Getenv("DEV_MODE") == "true"

	logLevel := slog.LevelInfo
	if devMode {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		configPath = filepath.Join(home, ".agentmanager", "config.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}

	token := *tokenFlag
	if token == "" {
		token = os.Getenv("AUTH_TOKEN")
	}
	if token == "" {
		token = cfg.Token
	}
	if token == "" {
		token = uuid.Must(uuid.NewV7()).String()
		log.Info("generated auth token", "token", token)
	}

	workDir, err := os.Getwd()
	if err != nil {
		log.Error("failed to resolve working directory", "error", err)
		os.Exit(1)
	}

	store, err := session.NewFileStore(cfg.DataDir)
	if err != nil {
		log.Error("failed to initialize session store", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	terminals := terminal.NewRegistry(nil, log)
	connMgr := connection.NewManager(cfg, bus, terminals, log)

	// Worktrees need a git repository to branch from; without one the
	// feature is simply unavailable.
	var prep worktree.Preparer
	if _, err := os.Stat(filepath.Join(workDir, ".git")); err == nil {
		prep = worktree.NewGitPreparer(workDir, filepath.Join(cfg.DataDir, "worktrees"), log)
	} else {
		log.Info("not a git repository, worktree sessions disabled", "workDir", workDir)
	}

	orch := orchestrator.New(cfg, store, bus, connMgr, prep, log)
	if err := orch.Rehydrate(); err != nil {
		log.Error("failed to rehydrate sessions", "error", err)
		os.Exit(1)
	}

	fsWatcher := watch.NewFSWatcher(log)
	if err := fsWatcher.Start(); err != nil {
		log.Error("failed to start filesystem watcher", "error", err)
		os.Exit(1)
	}

	wsHandler := ws.NewRPCHandler(token, cfg, orch, connMgr, fsWatcher, bus, store, devMode, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /ws", wsHandler)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	shutdownDone := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("server shutdown error", "error", err)
		}
		fsWatcher.Stop()
		connMgr.Shutdown()
		close(shutdownDone)
	}()

	localURL := fmt.Sprintf("http://%s/?token=%s", cfg.Listen, token)
	startup.PrintBanner(startup.BannerOptions{
		Version:  version,
		LocalURL: localURL,
		Agents:   len(cfg.Agents),
	})
	startup.PrintQRCode(localURL)
	fmt.Println()
	startup.PrintFooter()

	log.Info("server starting", "listen", cfg.Listen, "dataDir", cfg.DataDir, "agents", len(cfg.Agents), "devMode", devMode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
	log.Info("server stopped")
}
