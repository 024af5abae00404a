package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/seongjae-dev/agentrelay/internal/agent"
	"github.com/seongjae-dev/agentrelay/internal/bridge"
	"github.com/seongjae-dev/agentrelay/internal/config"
	"github.com/seongjae-dev/agentrelay/internal/gateway"
	"github.com/seongjae-dev/agentrelay/internal/history"
	"github.com/seongjae-dev/agentrelay/internal/logging"
	"github.com/seongjae-dev/agentrelay/internal/mcpserver"
	"github.com/seongjae-dev/agentrelay/internal/platform"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Printf("agentrelay v%s\n", Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "serve":
			runServe(args[1:])
			return
		case "mcp":
			runMCP(args[1:])
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printHelp()
			os.Exit(2)
		}
	}
	runServe(nil)
}

func printHelp() {
	fmt.Print(`agentrelay - drive CLI coding agents from chat

Usage:
  agentrelay [serve]      start the gateway (and Telegram bridge if enabled)
  agentrelay mcp          serve manager tools over MCP stdio
  agentrelay version      print the version

Flags (serve, mcp):
  -config PATH            config file (default ~/.agentrelay/config.toml)
`)
}

// setup loads environment, configuration and logging, and builds the
// session manager with every configured agent registered.
func setup(fs *flag.FlagSet, args []string, logToStderr bool) (*config.Config, *agent.Manager, string) {
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	// A .env next to the binary or in the working directory is a
	// convenience for TELEGRAM_BOT_TOKEN during development.
	_ = godotenv.Load()

	path := *configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		if dir, err := config.Dir(); err == nil {
			_ = os.MkdirAll(dir, 0o755)
			logDir = dir
		}
	}
	format := cfg.Logging.Format
	if format == "" && term.IsTerminal(int(os.Stderr.Fd())) {
		format = "text"
	}
	logging.Init(logging.Config{
		LogDir:     logDir,
		Level:      cfg.Logging.Level,
		Format:     format,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		AlsoStderr: logToStderr,
	})

	mgr := agent.NewManager()
	for _, ac := range config.AgentConfigs(cfg.Agents) {
		mgr.RegisterAgent(ac)
	}
	return cfg, mgr, path
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg, mgr, configPath := setup(fs, args, true)
	defer logging.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer mgr.Shutdown()

	var store *history.Store
	if cfg.History.On() {
		path := cfg.History.Path
		if path == "" {
			dir, err := config.Dir()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			_ = os.MkdirAll(dir, 0o755)
			path = filepath.Join(dir, "history.db")
		}
		var err error
		store, err = history.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		mgr.SetObserver(store.Observe)
	}

	logging.Logger().Info("starting",
		"version", Version,
		"platform", platform.Detect().String())
	if !platform.SupportsPTY() {
		for name, def := range cfg.Agents {
			if def.Mode == "pty" {
				logging.Logger().Warn("pty_agent_on_unsupported_platform", "agent", name)
			}
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := gateway.New(cfg.Server, mgr, store)
	g.Go(func() error { return srv.Start(ctx) })

	if cfg.Telegram.Enabled {
		token := os.Getenv("TELEGRAM_BOT_TOKEN")
		if token == "" {
			fmt.Fprintln(os.Stderr, "Error: telegram is enabled but TELEGRAM_BOT_TOKEN is not set")
			os.Exit(1)
		}
		b := bridge.New(bridge.NewClient(token), mgr, cfg.Telegram)
		if store != nil {
			b.SetHistory(store)
		}
		g.Go(func() error { return b.Run(ctx) })
	}

	// Reload the agent registry when the config file changes on disk.
	watcher, err := config.NewWatcher(configPath, func(agents map[string]config.AgentDef) {
		mgr.ReplaceAgents(config.AgentConfigs(agents))
	})
	if err != nil {
		logging.Logger().Warn("config_watch_unavailable", "error", err)
	} else {
		watcher.Start()
		defer watcher.Close()
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runMCP(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	_, mgr, _ := setup(fs, args, false)
	defer logging.Shutdown()
	defer mgr.Shutdown()

	srv := mcpserver.New(mgr, Version)
	if err := srv.ServeStdio(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
